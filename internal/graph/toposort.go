package graph

import (
	"fmt"
	"sort"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

// TopoSort returns the task ids of the graph in a deterministic topological
// order. Ties are broken lexicographically so planning output is stable.
func TopoSort(g domain.PipelineGraph) ([]string, error) {
	declared := make(map[string]struct{}, len(g.Tasks))
	for _, task := range g.Tasks {
		declared[task.ID] = struct{}{}
	}

	inDegree := make(map[string]int, len(g.Tasks))
	downstream := make(map[string][]string, len(g.Tasks))
	for _, task := range g.Tasks {
		if _, ok := inDegree[task.ID]; !ok {
			inDegree[task.ID] = 0
		}
		for _, upstream := range task.UpstreamTaskIDs() {
			// References to undeclared tasks are reported by validation,
			// not here.
			if _, ok := declared[upstream]; !ok {
				continue
			}
			downstream[upstream] = append(downstream[upstream], task.ID)
			inDegree[task.ID]++
		}
	}

	ready := make([]string, 0, len(inDegree))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(inDegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, next := range downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(inDegree) {
		return nil, fmt.Errorf("task graph contains a cycle")
	}
	return ordered, nil
}
