package graph

import (
	"reflect"
	"testing"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	producer := component("producer", nil, []domain.OutputPort{{Name: "out"}})
	consumer := component("consumer", []domain.InputPort{{Name: "in"}}, []domain.OutputPort{{Name: "out"}})

	ref := func(taskID string) domain.ArgumentSource {
		return domain.ArgumentSource{TaskOutput: &domain.TaskOutputRef{TaskID: taskID, Output: "out"}}
	}
	g := domain.PipelineGraph{
		Name: "diamond",
		Tasks: []domain.TaskSpec{
			{ID: "sink", Component: consumer, Arguments: map[string]domain.ArgumentSource{
				"in": {Collection: []domain.ArgumentSource{ref("left"), ref("right")}},
			}},
			{ID: "right", Component: consumer, Arguments: map[string]domain.ArgumentSource{"in": ref("root")}},
			{ID: "left", Component: consumer, Arguments: map[string]domain.ArgumentSource{"in": ref("root")}},
			{ID: "root", Component: producer},
		},
	}

	ordered, err := TopoSort(g)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	// Lexicographic tie-break makes the order fully deterministic.
	want := []string{"root", "left", "right", "sink"}
	if !reflect.DeepEqual(ordered, want) {
		t.Fatalf("order = %v, want %v", ordered, want)
	}
}

func TestTopoSortIgnoresUndeclaredReferences(t *testing.T) {
	consumer := component("consumer", []domain.InputPort{{Name: "in"}}, nil)
	g := domain.PipelineGraph{
		Name: "dangling",
		Tasks: []domain.TaskSpec{
			{ID: "a", Component: consumer, Arguments: map[string]domain.ArgumentSource{
				"in": {TaskOutput: &domain.TaskOutputRef{TaskID: "ghost", Output: "out"}},
			}},
		},
	}
	ordered, err := TopoSort(g)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	if !reflect.DeepEqual(ordered, []string{"a"}) {
		t.Fatalf("order = %v, want [a]", ordered)
	}
}

func TestTopoSortRejectsCycle(t *testing.T) {
	passthrough := component("passthrough", []domain.InputPort{{Name: "in"}}, []domain.OutputPort{{Name: "out"}})
	g := domain.PipelineGraph{
		Name: "loop",
		Tasks: []domain.TaskSpec{
			{ID: "x", Component: passthrough, Arguments: map[string]domain.ArgumentSource{
				"in": {TaskOutput: &domain.TaskOutputRef{TaskID: "y", Output: "out"}},
			}},
			{ID: "y", Component: passthrough, Arguments: map[string]domain.ArgumentSource{
				"in": {TaskOutput: &domain.TaskOutputRef{TaskID: "x", Output: "out"}},
			}},
		},
	}
	if _, err := TopoSort(g); err == nil {
		t.Fatal("TopoSort accepted a cyclic graph")
	}
}
