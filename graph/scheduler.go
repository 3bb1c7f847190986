package graph

import (
	"container/heap"
	"sort"
)

// nameHeap is a min-heap of stage names. Kahn's algorithm pops from it so
// that among all ready stages the lexically smallest is emitted first, which
// makes the topological order a pure function of the graph.
type nameHeap []string

func (h nameHeap) Len() int           { return len(h) }
func (h nameHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nameHeap) Push(x interface{}) {
	*h = append(*h, x.(string))
}

func (h *nameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// TopologicalOrder returns every stage such that each appears after all of
// its dependencies.
//
// Kahn's algorithm: stages with no unresolved dependencies are emitted, and
// each emission decrements the in-degree of its dependents. Ties are broken
// lexically. If fewer stages are emitted than registered, the remainder
// contains a cycle and a *CycleError is returned naming the stuck stages and
// one concrete cycle among them.
//
// This is the only cycle detection path; Waves calls it first.
func (d *DAG) TopologicalOrder() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.finalized {
		return nil, &GraphError{Kind: ErrGraphNotFinalized}
	}
	return d.topologicalOrder()
}

func (d *DAG) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	ready := &nameHeap{}
	for name := range d.nodes {
		inDegree[name] = len(d.dependencies[name])
		if inDegree[name] == 0 {
			*ready = append(*ready, name)
		}
	}
	heap.Init(ready)

	order := make([]string, 0, len(d.nodes))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, name)
		for _, dep := range d.dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if len(order) < len(d.nodes) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Nodes: stuck, Path: d.cycleWitness(stuck, inDegree)}
	}
	return order, nil
}

// cycleWitness walks dependency edges among the stuck stages until a stage
// repeats. Every stuck stage still has a stuck dependency, so the walk cannot
// dead-end. The returned path is in producer -> consumer direction with the
// first stage repeated at the end.
func (d *DAG) cycleWitness(stuck []string, inDegree map[string]int) []string {
	if len(stuck) == 0 {
		return nil
	}
	seenAt := make(map[string]int)
	var walk []string
	cur := stuck[0]
	for {
		if i, ok := seenAt[cur]; ok {
			cycle := append(walk[i:], cur)
			for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
				cycle[l], cycle[r] = cycle[r], cycle[l]
			}
			return cycle
		}
		seenAt[cur] = len(walk)
		walk = append(walk, cur)

		next := ""
		for _, dep := range d.dependencies[cur] {
			if inDegree[dep] > 0 {
				next = dep
				break
			}
		}
		if next == "" {
			return nil
		}
		cur = next
	}
}

// Levels returns each stage's wave index: 0 for stages without
// dependencies, otherwise one more than the highest level among its
// dependencies.
//
// Levels are assigned iteratively over the validated topological order, so a
// cyclic graph fails with a *CycleError instead of recursing.
func (d *DAG) Levels() (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.finalized {
		return nil, &GraphError{Kind: ErrGraphNotFinalized}
	}
	order, err := d.topologicalOrder()
	if err != nil {
		return nil, err
	}
	return d.levels(order), nil
}

func (d *DAG) levels(order []string) map[string]int {
	levels := make(map[string]int, len(order))
	for _, name := range order {
		lvl := 0
		for _, dep := range d.dependencies[name] {
			if levels[dep]+1 > lvl {
				lvl = levels[dep] + 1
			}
		}
		levels[name] = lvl
	}
	return levels
}

// Waves partitions the stages into layers. Every stage's dependencies lie in
// earlier waves, so the members of one wave are mutually independent and can
// run concurrently. Members are sorted lexically.
//
// Example: a; b and c consume a; d consumes b and c:
//
//	[[a] [b c] [d]]
func (d *DAG) Waves() ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.finalized {
		return nil, &GraphError{Kind: ErrGraphNotFinalized}
	}
	order, err := d.topologicalOrder()
	if err != nil {
		return nil, err
	}
	return groupWaves(d.levels(order)), nil
}

func groupWaves(levels map[string]int) [][]string {
	depth := 0
	for _, lvl := range levels {
		if lvl+1 > depth {
			depth = lvl + 1
		}
	}
	waves := make([][]string, depth)
	for name, lvl := range levels {
		waves[lvl] = append(waves[lvl], name)
	}
	for _, w := range waves {
		sort.Strings(w)
	}
	return waves
}
