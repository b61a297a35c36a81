package domain

import (
	"reflect"
	"testing"
)

func TestArgumentSourceKind(t *testing.T) {
	literal := "x"
	input := "name"
	tests := []struct {
		source ArgumentSource
		want   string
	}{
		{ArgumentSource{Literal: &literal}, "literal"},
		{ArgumentSource{TaskOutput: &TaskOutputRef{TaskID: "a", Output: "out"}}, "task_output"},
		{ArgumentSource{GraphInput: &input}, "graph_input"},
		{ArgumentSource{Collection: []ArgumentSource{{Literal: &literal}}}, "collection"},
	}
	for _, tt := range tests {
		if got := tt.source.Kind(); got != tt.want {
			t.Fatalf("Kind() = %q, want %q", got, tt.want)
		}
	}
}

func TestUpstreamTaskIDsDeduplicatesAndSorts(t *testing.T) {
	ref := func(taskID string) ArgumentSource {
		return ArgumentSource{TaskOutput: &TaskOutputRef{TaskID: taskID, Output: "out"}}
	}
	task := TaskSpec{
		ID: "sink",
		Arguments: map[string]ArgumentSource{
			"first":  ref("b"),
			"second": ref("a"),
			"third": {Collection: []ArgumentSource{
				ref("a"),
				ref("c"),
			}},
		},
	}
	got := task.UpstreamTaskIDs()
	// Argument names iterate in sorted order, ids dedup on first reference.
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UpstreamTaskIDs() = %v, want %v", got, want)
	}
}

func TestComponentSpecDigestIsStable(t *testing.T) {
	spec := ComponentSpec{
		Name:    "trainer",
		Outputs: []OutputPort{{Name: "model", Type: "Model"}},
		Container: ContainerSpec{
			Image: "example.com/trainer:1",
			Args:  []ArgTemplate{{OutputURI: "model"}},
		},
	}
	first, err := spec.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	second, err := spec.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if first != second {
		t.Fatalf("digest not stable: %s vs %s", first, second)
	}

	spec.Container.Image = "example.com/trainer:2"
	changed, err := spec.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if changed == first {
		t.Fatal("digest did not change with content")
	}
}

func TestComponentSpecValidate(t *testing.T) {
	valid := ComponentSpec{
		Name:      "echo",
		Inputs:    []InputPort{{Name: "message"}},
		Container: ContainerSpec{Image: "example.com/echo:1", Args: []ArgTemplate{{InputValue: "message"}}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	missingImage := valid
	missingImage.Container.Image = " "
	if err := missingImage.Validate(); err == nil {
		t.Fatal("Validate accepted a component without image")
	}

	dupPorts := valid
	dupPorts.Inputs = []InputPort{{Name: "message"}, {Name: "message"}}
	if err := dupPorts.Validate(); err == nil {
		t.Fatal("Validate accepted duplicate input ports")
	}
}
