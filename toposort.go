package dbreconcile

import "slices"

// SortTables orders table names so that every dependency precedes its
// dependents. Elements with no mutual ordering constraint keep their
// original relative order: each round scans the remaining elements in
// original order and emits the first one whose dependencies have all been
// emitted. When a full scan emits nothing the remaining elements form a
// cycle; they are appended in their original relative order while the
// already emitted prefix keeps its resolved positions.
func SortTables(names []string, deps map[string][]string) []string {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	result := make([]string, 0, len(names))
	emitted := make(map[string]bool, len(names))
	remaining := slices.Clone(names)
	for len(remaining) > 0 {
		next := -1
		for i, n := range remaining {
			ready := true
			for _, d := range deps[n] {
				// self references and dependencies outside the working set
				// don't constrain the order
				if d != n && known[d] && !emitted[d] {
					ready = false
					break
				}
			}
			if ready {
				next = i
				break
			}
		}
		if next < 0 {
			result = append(result, remaining...)
			break
		}
		result = append(result, remaining[next])
		emitted[remaining[next]] = true
		remaining = slices.Delete(remaining, next, next+1)
	}
	return result
}
