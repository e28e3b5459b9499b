package validation

import (
	"sort"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// FindCycle runs Kahn's algorithm over the `after` edges that stay inside
// steps and returns the ids left on a cycle, sorted. Nil means acyclic.
func FindCycle(steps []schema.Step) []string {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}

	// edges[id] = dependencies of id, reverse[id] = dependents of id.
	edges := make(map[string][]string, len(steps))
	reverse := make(map[string][]string, len(steps))
	for _, s := range steps {
		seen := make(map[string]bool, len(s.After))
		for _, dep := range s.After {
			if !ids[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	inDegree := make(map[string]int, len(ids))
	queue := make([]string, 0, len(ids))
	for id := range ids {
		inDegree[id] = len(edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(ids))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited[node] = true
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(visited) == len(ids) {
		return nil
	}
	var cyclic []string
	for id := range ids {
		if !visited[id] {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}

// ForwardReferences maps each step to the ids in its `after` set that are
// declared later in the same ordered list. In a sequential block those can
// never be satisfied.
func ForwardReferences(steps []schema.Step) map[string][]string {
	pos := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, ok := pos[s.ID]; !ok {
			pos[s.ID] = i
		}
	}
	var out map[string][]string
	for i, s := range steps {
		for _, dep := range s.After {
			if j, ok := pos[dep]; ok && j >= i {
				if out == nil {
					out = make(map[string][]string)
				}
				out[s.ID] = append(out[s.ID], dep)
			}
		}
	}
	return out
}
