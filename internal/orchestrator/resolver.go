package orchestrator

import (
	"time"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

// ResolveReady computes the scheduling decision for one snapshot: the tasks
// whose inputs are fully satisfied and may dispatch now, and the tasks that
// must be skipped because an upstream dependency failed, was cancelled, or
// was itself skipped. Skip propagation is transitive and computed to a fixed
// point, so a whole downstream chain settles in one iteration.
//
// Ready tasks are returned in graph declaration order; no priority is
// implied, concurrency is bounded by the controller.
func ResolveReady(snap Snapshot, now time.Time) (ready, skip []string) {
	skipSet := resolveSkips(snap)

	for _, task := range snap.Run.Graph.Tasks {
		if snap.TaskStatus(task.ID) != domain.TaskPending {
			continue
		}
		if _, skipped := skipSet[task.ID]; skipped {
			skip = append(skip, task.ID)
			continue
		}
		execution := snap.Latest[task.ID]
		if !execution.EarliestStart.IsZero() && execution.EarliestStart.After(now) {
			// Retry backoff has not elapsed yet.
			continue
		}
		if taskReady(task, snap) {
			ready = append(ready, task.ID)
		}
	}
	return ready, skip
}

// resolveSkips returns the set of pending tasks that transitively depend on
// a dead upstream.
func resolveSkips(snap Snapshot) map[string]struct{} {
	dead := make(map[string]struct{})
	for _, task := range snap.Run.Graph.Tasks {
		switch snap.TaskStatus(task.ID) {
		case domain.TaskFailed, domain.TaskCancelled, domain.TaskSkipped:
			dead[task.ID] = struct{}{}
		}
	}

	skipSet := make(map[string]struct{})
	for {
		grew := false
		for _, task := range snap.Run.Graph.Tasks {
			if snap.TaskStatus(task.ID) != domain.TaskPending {
				continue
			}
			if _, done := skipSet[task.ID]; done {
				continue
			}
			for _, upstream := range task.UpstreamTaskIDs() {
				_, isDead := dead[upstream]
				_, isSkipped := skipSet[upstream]
				if isDead || isSkipped {
					skipSet[task.ID] = struct{}{}
					grew = true
					break
				}
			}
		}
		if !grew {
			return skipSet
		}
	}
}

func taskReady(task domain.TaskSpec, snap Snapshot) bool {
	for _, source := range task.Arguments {
		if !sourceResolvable(source, snap) {
			return false
		}
	}
	return true
}

func sourceResolvable(source domain.ArgumentSource, snap Snapshot) bool {
	switch source.Kind() {
	case "literal", "graph_input":
		return true
	case "task_output":
		ref := *source.TaskOutput
		upstream, ok := snap.Latest[ref.TaskID]
		if !ok || upstream.Status != domain.TaskSucceeded {
			return false
		}
		_, produced := upstream.Outputs[ref.Output]
		return produced
	case "collection":
		for _, element := range source.Collection {
			if !sourceResolvable(element, snap) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
