package graph

import (
	"fmt"
	"strings"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

// Validate performs strict structural validation of a pipeline graph:
// component shape, duplicate ids, dangling references, port-type
// compatibility and acyclicity. Invalid graphs are rejected before a run is
// created; the orchestrator core assumes validated graphs.
func Validate(g domain.PipelineGraph) error {
	issues := &ValidationError{}

	if strings.TrimSpace(g.Name) == "" {
		issues.Add("pipeline name is required")
	}
	if len(g.Tasks) == 0 {
		issues.Add("pipeline must declare at least one task")
		return issues.OrNil()
	}

	taskIDs := make(map[string]domain.TaskSpec, len(g.Tasks))
	for i, task := range g.Tasks {
		id := strings.TrimSpace(task.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("task[%d] id is required", i))
			continue
		}
		if _, dup := taskIDs[id]; dup {
			issues.Add(fmt.Sprintf("duplicate task id %q", id))
			continue
		}
		taskIDs[id] = task
		if err := task.Component.Validate(); err != nil {
			issues.Add(fmt.Sprintf("task[%s]: %v", id, err))
		}
	}

	inputNames := make(map[string]domain.GraphInput, len(g.Inputs))
	for i, input := range g.Inputs {
		name := strings.TrimSpace(input.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("pipeline input[%d] name is required", i))
			continue
		}
		if _, dup := inputNames[name]; dup {
			issues.Add(fmt.Sprintf("duplicate pipeline input %q", name))
		}
		inputNames[name] = input
	}

	for _, task := range g.Tasks {
		validateTaskArguments(issues, task, taskIDs, inputNames)
	}

	for _, output := range g.Outputs {
		upstream, ok := taskIDs[output.Source.TaskID]
		if !ok {
			issues.Add(fmt.Sprintf("pipeline output %q references unknown task %q", output.Name, output.Source.TaskID))
			continue
		}
		if _, ok := upstream.Component.OutputPortByName(output.Source.Output); !ok {
			issues.Add(fmt.Sprintf("pipeline output %q references unknown output port %s.%s", output.Name, output.Source.TaskID, output.Source.Output))
		}
	}

	if _, err := TopoSort(g); err != nil {
		issues.Add(err.Error())
	}

	return issues.OrNil()
}

func validateTaskArguments(issues *ValidationError, task domain.TaskSpec, taskIDs map[string]domain.TaskSpec, inputNames map[string]domain.GraphInput) {
	for portName, source := range task.Arguments {
		port, ok := task.Component.InputPortByName(portName)
		if !ok {
			issues.Add(fmt.Sprintf("task[%s] argument %q does not match a declared input port", task.ID, portName))
			continue
		}
		validateSource(issues, task.ID, portName, port, source, taskIDs, inputNames, false)
	}

	// Unbound required inputs must carry a component-level default.
	for _, port := range task.Component.Inputs {
		if _, bound := task.Arguments[port.Name]; bound {
			continue
		}
		if port.Default == nil && !port.Optional {
			issues.Add(fmt.Sprintf("task[%s] input %q is not bound and has no default", task.ID, port.Name))
		}
	}
}

func validateSource(issues *ValidationError, taskID, portName string, port domain.InputPort, source domain.ArgumentSource, taskIDs map[string]domain.TaskSpec, inputNames map[string]domain.GraphInput, nested bool) {
	switch source.Kind() {
	case "literal":
		// Always resolvable.
	case "task_output":
		ref := *source.TaskOutput
		upstream, ok := taskIDs[ref.TaskID]
		if !ok {
			issues.Add(fmt.Sprintf("task[%s] input %q references unknown task %q", taskID, portName, ref.TaskID))
			return
		}
		if ref.TaskID == taskID {
			issues.Add(fmt.Sprintf("task[%s] input %q references its own output", taskID, portName))
			return
		}
		outPort, ok := upstream.Component.OutputPortByName(ref.Output)
		if !ok {
			issues.Add(fmt.Sprintf("task[%s] input %q references unknown output port %s.%s", taskID, portName, ref.TaskID, ref.Output))
			return
		}
		if !typesCompatible(outPort.Type, port.Type) {
			issues.Add(fmt.Sprintf("task[%s] input %q type %q is incompatible with %s.%s type %q", taskID, portName, port.Type, ref.TaskID, ref.Output, outPort.Type))
		}
	case "graph_input":
		if _, ok := inputNames[*source.GraphInput]; !ok {
			issues.Add(fmt.Sprintf("task[%s] input %q references unknown pipeline input %q", taskID, portName, *source.GraphInput))
		}
	case "collection":
		if nested {
			issues.Add(fmt.Sprintf("task[%s] input %q nests a collection inside a collection", taskID, portName))
			return
		}
		if len(source.Collection) == 0 {
			issues.Add(fmt.Sprintf("task[%s] input %q collection is empty", taskID, portName))
			return
		}
		for _, element := range source.Collection {
			validateSource(issues, taskID, portName, port, element, taskIDs, inputNames, true)
		}
	default:
		issues.Add(fmt.Sprintf("task[%s] input %q has no argument source set", taskID, portName))
	}
}

// typesCompatible treats an empty type on either side as a wildcard.
func typesCompatible(produced, consumed string) bool {
	produced = strings.TrimSpace(produced)
	consumed = strings.TrimSpace(consumed)
	if produced == "" || consumed == "" {
		return true
	}
	return strings.EqualFold(produced, consumed)
}
