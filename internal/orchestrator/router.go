package orchestrator

import (
	"errors"
	"fmt"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

// ErrUnresolvedReference marks a structural routing failure: an input was
// requested before its upstream data existed. Given correct resolver
// sequencing this never fires at runtime; when it does the task is failed
// permanently, since a retry cannot repair a graph error.
var ErrUnresolvedReference = errors.New("unresolved reference")

// ResolveInputs maps every input port of a ready task to its concrete value
// or artifact reference: literals as declared, pipeline inputs from the run
// submission (falling back to the declared default), upstream references
// from the recorded outputs of the upstream attempt. Collection inputs
// aggregate their elements in declaration order, which is stable and
// deterministic.
func ResolveInputs(task domain.TaskSpec, snap Snapshot) (map[string]domain.ResolvedArgument, error) {
	resolved := make(map[string]domain.ResolvedArgument, len(task.Component.Inputs))
	for _, port := range task.Component.Inputs {
		source, bound := task.Arguments[port.Name]
		if !bound {
			if port.Default != nil {
				value := *port.Default
				resolved[port.Name] = domain.ResolvedArgument{Value: &value}
				continue
			}
			if port.Optional {
				continue
			}
			return nil, fmt.Errorf("%w: task %q input %q is unbound", ErrUnresolvedReference, task.ID, port.Name)
		}
		argument, err := resolveSource(task.ID, port.Name, source, snap)
		if err != nil {
			return nil, err
		}
		resolved[port.Name] = argument
	}
	return resolved, nil
}

func resolveSource(taskID, portName string, source domain.ArgumentSource, snap Snapshot) (domain.ResolvedArgument, error) {
	switch source.Kind() {
	case "literal":
		value := *source.Literal
		return domain.ResolvedArgument{Value: &value}, nil

	case "graph_input":
		name := *source.GraphInput
		if value, supplied := snap.Run.Inputs[name]; supplied {
			v := value
			return domain.ResolvedArgument{Value: &v}, nil
		}
		input, declared := snap.Run.Graph.InputByName(name)
		if declared && input.Default != nil {
			value := *input.Default
			return domain.ResolvedArgument{Value: &value}, nil
		}
		return domain.ResolvedArgument{}, fmt.Errorf("%w: task %q input %q needs pipeline input %q", ErrUnresolvedReference, taskID, portName, name)

	case "task_output":
		ref := *source.TaskOutput
		upstream, ok := snap.Latest[ref.TaskID]
		if !ok || upstream.Status != domain.TaskSucceeded {
			return domain.ResolvedArgument{}, fmt.Errorf("%w: task %q input %q awaits %s.%s", ErrUnresolvedReference, taskID, portName, ref.TaskID, ref.Output)
		}
		artifact, produced := upstream.Outputs[ref.Output]
		if !produced {
			return domain.ResolvedArgument{}, fmt.Errorf("%w: task %q input %q: %s produced no output %q", ErrUnresolvedReference, taskID, portName, ref.TaskID, ref.Output)
		}
		a := artifact
		return domain.ResolvedArgument{Artifact: &a}, nil

	case "collection":
		elements := make([]domain.ResolvedArgument, 0, len(source.Collection))
		for _, elementSource := range source.Collection {
			element, err := resolveSource(taskID, portName, elementSource, snap)
			if err != nil {
				return domain.ResolvedArgument{}, err
			}
			elements = append(elements, element)
		}
		return domain.ResolvedArgument{Collection: elements}, nil

	default:
		return domain.ResolvedArgument{}, fmt.Errorf("%w: task %q input %q has no source", ErrUnresolvedReference, taskID, portName)
	}
}
