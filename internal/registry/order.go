package registry

import (
	"errors"
	"fmt"
	"sort"
)

// ErrSchemaCycle is returned when foreign keys among tenant-scoped tables
// form a cycle. The engine refuses to guess an order in that case.
var ErrSchemaCycle = errors.New("schema cycle detected among tenant-scoped tables")

// orderEntities topologically sorts names over parent-to-child edges so that
// every entity appears after all entities it depends on. Ties break by name,
// which keeps the order stable across runs.
func orderEntities(names []string, edges map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(names))
	for _, name := range names {
		indegree[name] = 0
	}
	for parent, children := range edges {
		if _, ok := indegree[parent]; !ok {
			continue
		}
		for _, child := range children {
			if _, ok := indegree[child]; ok {
				indegree[child]++
			}
		}
	}

	var ready []string
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(names))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)

		var unlocked []string
		for _, child := range edges[name] {
			if _, ok := indegree[child]; !ok {
				continue
			}
			indegree[child]--
			if indegree[child] == 0 {
				unlocked = append(unlocked, child)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(ordered) != len(names) {
		var stuck []string
		seen := make(map[string]bool, len(ordered))
		for _, name := range ordered {
			seen[name] = true
		}
		for _, name := range names {
			if !seen[name] {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %v", ErrSchemaCycle, stuck)
	}
	return ordered, nil
}
