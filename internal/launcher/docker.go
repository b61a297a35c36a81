package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DockerLauncher runs task containers through the local docker CLI.
type DockerLauncher struct {
	dockerBin string
}

func NewDockerLauncher(dockerBin string) (*DockerLauncher, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerLauncher{dockerBin: dockerBin}, nil
}

func (l *DockerLauncher) Kind() string {
	return "docker"
}

func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Handle{}, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return Handle{}, errors.New("image is required")
	}

	args := []string{"run", "--detach", "--name", name}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "-e", key+"="+spec.Env[key])
	}
	for _, key := range sortedKeys(spec.Annotations) {
		args = append(args, "--label", key+"="+spec.Annotations[key])
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	args = append(args, spec.Args...)

	cmd := exec.CommandContext(ctx, l.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if daemonUnreachable(text) {
			return Handle{}, fmt.Errorf("%w: %s", ErrUnreachable, text)
		}
		return Handle{}, fmt.Errorf("docker run failed: %w: %s", err, text)
	}
	return Handle{Backend: l.Kind(), Container: name}, nil
}

type dockerState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	FinishedAt time.Time `json:"FinishedAt"`
}

func (l *DockerLauncher) Poll(ctx context.Context, handle Handle) (Observation, error) {
	name := strings.TrimSpace(handle.Container)
	if name == "" {
		return Observation{}, errors.New("container name is required")
	}

	cmd := exec.CommandContext(ctx, l.dockerBin, "inspect", "--format", "{{json .State}}", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such object") || strings.Contains(lower, "not found") {
			return Observation{Status: StatusUnknown, Message: "container not found"}, nil
		}
		if daemonUnreachable(text) {
			return Observation{}, fmt.Errorf("%w: %s", ErrUnreachable, text)
		}
		return Observation{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}

	var state dockerState
	if err := json.Unmarshal(out, &state); err != nil {
		return Observation{}, fmt.Errorf("parse docker inspect: %w", err)
	}

	obs := Observation{Status: StatusPending, Message: strings.TrimSpace(state.Status)}
	switch strings.ToLower(strings.TrimSpace(state.Status)) {
	case "running":
		obs.Status = StatusRunning
	case "exited", "dead":
		code := state.ExitCode
		obs.ExitCode = &code
		if code == 0 {
			obs.Status = StatusSucceeded
		} else {
			obs.Status = StatusFailed
		}
	}
	return obs, nil
}

func (l *DockerLauncher) Cancel(ctx context.Context, handle Handle) (bool, error) {
	name := strings.TrimSpace(handle.Container)
	if name == "" {
		return false, errors.New("container name is required")
	}
	cmd := exec.CommandContext(ctx, l.dockerBin, "rm", "--force", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such") || strings.Contains(lower, "not found") {
			return true, nil
		}
		if daemonUnreachable(text) {
			return false, fmt.Errorf("%w: %s", ErrUnreachable, text)
		}
		return false, fmt.Errorf("docker rm failed: %w: %s", err, text)
	}
	return true, nil
}

func daemonUnreachable(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "cannot connect to the docker daemon") ||
		strings.Contains(lower, "error during connect")
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
