package plugins

import (
	"container/heap"
	"slices"
)

// Resolver orders plugin names so that every plugin comes after all of its
// dependencies. Plugins with no ordering constraint between them come out in
// ascending name order, so the same request always yields the same order.
type Resolver struct {
	registry *Registry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve expands requested with its transitive dependencies and returns the
// execution order.
func (r *Resolver) Resolve(requested []string) ([]string, error) {
	descriptors := r.registry.Descriptors()

	closure, err := expand(descriptors, requested)
	if err != nil {
		return nil, err
	}
	return order(descriptors, closure)
}

// ResolveFor drops the requested plugins whose whitelist excludes mime, then
// resolves what is left. Dependencies are pulled in whatever their whitelist.
func (r *Resolver) ResolveFor(requested []string, mime string) ([]string, error) {
	descriptors := r.registry.Descriptors()

	applicable := make([]string, 0, len(requested))
	for _, name := range requested {
		d, ok := descriptors[name]
		if !ok {
			return nil, &NotFoundError{Name: name}
		}
		if d.Applies(mime) {
			applicable = append(applicable, name)
		}
	}

	closure, err := expand(descriptors, applicable)
	if err != nil {
		return nil, err
	}
	return order(descriptors, closure)
}

func expand(descriptors map[string]Descriptor, requested []string) (map[string]bool, error) {
	closure := map[string]bool{}
	work := slices.Clone(requested)
	slices.Sort(work)
	work = slices.Compact(work)

	for _, name := range work {
		if _, ok := descriptors[name]; !ok {
			return nil, &NotFoundError{Name: name}
		}
	}

	for len(work) > 0 {
		name := work[0]
		work = work[1:]
		if closure[name] {
			continue
		}
		closure[name] = true

		for _, dep := range descriptors[name].Dependencies {
			if _, ok := descriptors[dep]; !ok {
				return nil, &MissingDependencyError{Plugin: name, Missing: dep}
			}
			if !closure[dep] {
				work = append(work, dep)
			}
		}
	}
	return closure, nil
}

// order is Kahn's algorithm over the closure with a min-heap of ready names.
func order(descriptors map[string]Descriptor, closure map[string]bool) ([]string, error) {
	indegree := make(map[string]int, len(closure))
	dependents := make(map[string][]string, len(closure))
	for name := range closure {
		deps := slices.Clone(descriptors[name].Dependencies)
		slices.Sort(deps)
		deps = slices.Compact(deps)
		indegree[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := &nameHeap{}
	for name, n := range indegree {
		if n == 0 {
			heap.Push(ready, name)
		}
	}

	out := make([]string, 0, len(closure))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		out = append(out, name)
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(out) < len(closure) {
		return nil, &CyclicDependencyError{Cycle: cycleMembers(descriptors, indegree)}
	}
	return out, nil
}

// cycleMembers returns the plugins Kahn's algorithm could not place that
// lie on a cycle: members of a strongly connected component with more than
// one node, or with a self dependency. Plugins that only depend on a cycle,
// or sit between two of them, are left out.
func cycleMembers(descriptors map[string]Descriptor, indegree map[string]int) []string {
	var names []string
	for name, n := range indegree {
		if n > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	remaining := make(map[string]bool, len(names))
	for _, name := range names {
		remaining[name] = true
	}

	// Tarjan's algorithm restricted to the unplaced nodes.
	var (
		next    int
		index   = map[string]int{}
		lowlink = map[string]int{}
		onStack = map[string]bool{}
		stack   []string
		out     []string
	)
	var visit func(name string)
	visit = func(name string) {
		index[name] = next
		lowlink[name] = next
		next++
		stack = append(stack, name)
		onStack[name] = true

		selfLoop := false
		for _, dep := range descriptors[name].Dependencies {
			if !remaining[dep] {
				continue
			}
			if dep == name {
				selfLoop = true
			}
			if _, seen := index[dep]; !seen {
				visit(dep)
				lowlink[name] = min(lowlink[name], lowlink[dep])
			} else if onStack[dep] {
				lowlink[name] = min(lowlink[name], index[dep])
			}
		}

		if lowlink[name] != index[name] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == name {
				break
			}
		}
		if len(component) > 1 || selfLoop {
			out = append(out, component...)
		}
	}
	for _, name := range names {
		if _, seen := index[name]; !seen {
			visit(name)
		}
	}

	slices.Sort(out)
	return out
}

type nameHeap []string

func (h nameHeap) Len() int           { return len(h) }
func (h nameHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nameHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *nameHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
