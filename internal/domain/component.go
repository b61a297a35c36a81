package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ComponentSpec describes the interface and container implementation of a
// reusable pipeline component. Specs are immutable after creation; their
// identity is the content digest.
type ComponentSpec struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []InputPort   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []OutputPort  `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Container   ContainerSpec `json:"container" yaml:"container"`
}

type InputPort struct {
	Name     string  `json:"name" yaml:"name"`
	Type     string  `json:"type,omitempty" yaml:"type,omitempty"`
	Default  *string `json:"default,omitempty" yaml:"default,omitempty"`
	Optional bool    `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type OutputPort struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// ContainerSpec holds the container image and the command template. Arguments
// reference ports via placeholders that are substituted at dispatch time.
type ContainerSpec struct {
	Image   string        `json:"image" yaml:"image"`
	Command []string      `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []ArgTemplate `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []EnvVar      `json:"env,omitempty" yaml:"env,omitempty"`
}

// ArgTemplate is one element of the container argument list. Exactly one
// field is set: a constant string, the resolved value of an input port, the
// artifact URI bound to an input port, or the URI where an output port must
// be written.
type ArgTemplate struct {
	Constant   string `json:"constant,omitempty" yaml:"constant,omitempty"`
	InputValue string `json:"input_value,omitempty" yaml:"input_value,omitempty"`
	InputURI   string `json:"input_uri,omitempty" yaml:"input_uri,omitempty"`
	OutputURI  string `json:"output_uri,omitempty" yaml:"output_uri,omitempty"`
}

type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// InputPortByName returns the declared input port, if present.
func (c ComponentSpec) InputPortByName(name string) (InputPort, bool) {
	for _, port := range c.Inputs {
		if port.Name == name {
			return port, true
		}
	}
	return InputPort{}, false
}

// OutputPortByName returns the declared output port, if present.
func (c ComponentSpec) OutputPortByName(name string) (OutputPort, bool) {
	for _, port := range c.Outputs {
		if port.Name == name {
			return port, true
		}
	}
	return OutputPort{}, false
}

// Digest returns the canonical content digest identifying this spec.
func (c ComponentSpec) Digest() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal component spec: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Validate performs lightweight structural checks without graph traversal.
func (c ComponentSpec) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("component name is required")
	}
	if strings.TrimSpace(c.Container.Image) == "" {
		return fmt.Errorf("component %q image is required", c.Name)
	}
	seen := make(map[string]struct{}, len(c.Inputs))
	for i, port := range c.Inputs {
		if strings.TrimSpace(port.Name) == "" {
			return fmt.Errorf("component %q input[%d] name is required", c.Name, i)
		}
		if _, dup := seen[port.Name]; dup {
			return fmt.Errorf("component %q duplicate input port %q", c.Name, port.Name)
		}
		seen[port.Name] = struct{}{}
	}
	seen = make(map[string]struct{}, len(c.Outputs))
	for i, port := range c.Outputs {
		if strings.TrimSpace(port.Name) == "" {
			return fmt.Errorf("component %q output[%d] name is required", c.Name, i)
		}
		if _, dup := seen[port.Name]; dup {
			return fmt.Errorf("component %q duplicate output port %q", c.Name, port.Name)
		}
		seen[port.Name] = struct{}{}
	}
	for i, arg := range c.Container.Args {
		set := 0
		if arg.Constant != "" {
			set++
		}
		if arg.InputValue != "" {
			set++
		}
		if arg.InputURI != "" {
			set++
		}
		if arg.OutputURI != "" {
			set++
		}
		if set != 1 {
			return fmt.Errorf("component %q arg[%d] must set exactly one binding", c.Name, i)
		}
	}
	return nil
}
