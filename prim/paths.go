package prim

import (
	"sort"
	"strings"
)

// Prim hierarchy is derived purely from string containment of paths,
// re-derived whenever the tracked set changes. The server's paths are
// hierarchical but nothing guarantees every ancestor is tracked, so
// "parent" means nearest tracked ancestor, not path dirname.

// ParentOf returns the longest known path that is a strict substring
// of path, or false when no known path contains it.
func ParentOf(path string, known []string) (string, bool) {
	best := ""
	for _, k := range known {
		if k == path || !strings.Contains(path, k) {
			continue
		}
		if len(k) > len(best) {
			best = k
		}
	}
	return best, best != ""
}

// DirectChildren returns the shortest known paths that strictly
// contain path and are not themselves inside another chosen child.
// Grandchildren attach to their own parent, not here.
func DirectChildren(path string, known []string) []string {
	var candidates []string
	for _, k := range known {
		if k != path && strings.Contains(k, path) {
			candidates = append(candidates, k)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})

	var children []string
	for _, c := range candidates {
		descendant := false
		for _, chosen := range children {
			if strings.Contains(c, chosen) {
				descendant = true
				break
			}
		}
		if !descendant {
			children = append(children, c)
		}
	}
	return children
}
