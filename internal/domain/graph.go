package domain

import (
	"strings"
)

// ArgumentSource declares where a task input port gets its value from.
// Exactly one of the fields is set. Collection sources aggregate several
// sources into one ordered sequence (fan-in).
type ArgumentSource struct {
	Literal    *string          `json:"literal,omitempty" yaml:"literal,omitempty"`
	TaskOutput *TaskOutputRef   `json:"task_output,omitempty" yaml:"task_output,omitempty"`
	GraphInput *string          `json:"graph_input,omitempty" yaml:"graph_input,omitempty"`
	Collection []ArgumentSource `json:"collection,omitempty" yaml:"collection,omitempty"`
}

// TaskOutputRef points at a named output port of an upstream task.
type TaskOutputRef struct {
	TaskID string `json:"task_id" yaml:"task_id"`
	Output string `json:"output" yaml:"output"`
}

// Kind reports which variant of the source is set.
func (s ArgumentSource) Kind() string {
	switch {
	case s.Literal != nil:
		return "literal"
	case s.TaskOutput != nil:
		return "task_output"
	case s.GraphInput != nil:
		return "graph_input"
	case s.Collection != nil:
		return "collection"
	default:
		return ""
	}
}

// UpstreamTaskIDs returns the ids of all tasks this source depends on,
// in declaration order, including nested collection elements.
func (s ArgumentSource) UpstreamTaskIDs() []string {
	var ids []string
	if s.TaskOutput != nil {
		ids = append(ids, s.TaskOutput.TaskID)
	}
	for _, element := range s.Collection {
		ids = append(ids, element.UpstreamTaskIDs()...)
	}
	return ids
}

// TaskSpec instantiates a component inside a pipeline graph. The task id is
// stable within the graph; argument sources form the graph edges.
type TaskSpec struct {
	ID          string                    `json:"id" yaml:"id"`
	Component   ComponentSpec             `json:"component" yaml:"component"`
	Arguments   map[string]ArgumentSource `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Annotations map[string]string         `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// UpstreamTaskIDs returns the deduplicated upstream dependencies of the task,
// ordered by first reference.
func (t TaskSpec) UpstreamTaskIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, name := range t.sortedArgumentNames() {
		for _, id := range t.Arguments[name].UpstreamTaskIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func (t TaskSpec) sortedArgumentNames() []string {
	names := make([]string, 0, len(t.Arguments))
	for name := range t.Arguments {
		names = append(names, name)
	}
	// Deterministic iteration keeps dependency ordering stable.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// GraphInput declares a pipeline-level input.
type GraphInput struct {
	Name     string  `json:"name" yaml:"name"`
	Type     string  `json:"type,omitempty" yaml:"type,omitempty"`
	Default  *string `json:"default,omitempty" yaml:"default,omitempty"`
	Optional bool    `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// GraphOutput maps a pipeline-level output to a task output port.
type GraphOutput struct {
	Name   string        `json:"name" yaml:"name"`
	Source TaskOutputRef `json:"source" yaml:"source"`
}

// PipelineGraph is the immutable DAG of tasks plus pipeline-level I/O.
// Task declaration order is significant: it defines the stable aggregation
// order for collection inputs.
type PipelineGraph struct {
	Name        string            `json:"name" yaml:"name"`
	Inputs      []GraphInput      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []GraphOutput     `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Tasks       []TaskSpec        `json:"tasks" yaml:"tasks"`
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// TaskByID returns the task with the given id, if present.
func (g PipelineGraph) TaskByID(id string) (TaskSpec, bool) {
	for _, task := range g.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return TaskSpec{}, false
}

// InputByName returns the pipeline-level input declaration, if present.
func (g PipelineGraph) InputByName(name string) (GraphInput, bool) {
	for _, input := range g.Inputs {
		if input.Name == name {
			return input, true
		}
	}
	return GraphInput{}, false
}

// TaskIDSet returns the set of declared task ids.
func (g PipelineGraph) TaskIDSet() map[string]struct{} {
	ids := make(map[string]struct{}, len(g.Tasks))
	for _, task := range g.Tasks {
		if strings.TrimSpace(task.ID) == "" {
			continue
		}
		ids[task.ID] = struct{}{}
	}
	return ids
}
