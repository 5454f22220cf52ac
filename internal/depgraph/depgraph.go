// Package depgraph resolves task dependency graphs over uuid-keyed,
// priority-ordered tasks: cycle detection, topological ordering, and
// readiness/depth computation.
package depgraph

import (
	"sort"

	"github.com/google/uuid"

	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/pkg/option"
	"github.com/taskforge/queue/pkg/task"
)

// color tracks DFS visitation state for cycle detection: white (unvisited),
// grey (on the current recursion stack), black (fully explored).
type color int

const (
	white color = iota
	grey
	black
)

// Graph is a read-only view over a task set used to answer dependency
// queries. Callers rebuild it from the current store snapshot; it holds no
// lock and is not safe to mutate concurrently with use.
type Graph struct {
	tasks map[uuid.UUID]*task.Task
	edges map[uuid.UUID][]uuid.UUID
}

// New builds a graph from tasks, indexing each task's declared dependencies
// as edges pointing toward the depended-upon task.
func New(tasks []*task.Task) *Graph {
	g := &Graph{
		tasks: make(map[uuid.UUID]*task.Task, len(tasks)),
		edges: make(map[uuid.UUID][]uuid.UUID, len(tasks)),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.edges[t.ID] = append([]uuid.UUID(nil), t.Dependencies...)
	}
	return g
}

// DetectCycle runs a white/grey/black DFS over every task and returns the
// first cycle found, or None if the graph is a DAG.
func (g *Graph) DetectCycle() option.Option[[]uuid.UUID] {
	colors := make(map[uuid.UUID]color, len(g.tasks))
	for id := range g.tasks {
		colors[id] = white
	}

	ids := g.sortedIDs()
	for _, id := range ids {
		if colors[id] != white {
			continue
		}
		if cycle := g.visit(id, colors, nil); cycle != nil {
			return option.Some(cycle)
		}
	}
	return option.None[[]uuid.UUID]()
}

func (g *Graph) visit(id uuid.UUID, colors map[uuid.UUID]color, path []uuid.UUID) []uuid.UUID {
	colors[id] = grey
	path = append(path, id)

	for _, dep := range g.edges[id] {
		switch colors[dep] {
		case white:
			if cycle := g.visit(dep, colors, path); cycle != nil {
				return cycle
			}
		case grey:
			// Found the back edge; slice path from dep's first occurrence.
			for i, p := range path {
				if p == dep {
					return append(append([]uuid.UUID{}, path[i:]...), dep)
				}
			}
			return append(append([]uuid.UUID{}, path...), dep)
		case black:
			// fully explored, no cycle through here
		}
	}

	colors[id] = black
	return nil
}

// TopologicalOrder returns every task in dependency-first order, breaking
// ties by descending calculated priority, then ascending submission time,
// then ascending id bytes for full determinism. Returns a CycleDetected
// error if the graph is not a DAG.
func (g *Graph) TopologicalOrder() ([]*task.Task, error) {
	if cycle := g.DetectCycle(); cycle.IsSome() {
		return nil, queueerr.CycleDetected(cycle.Unwrap())
	}

	// Dependencies outside the task set are treated as satisfied, so they
	// contribute nothing to a task's in-degree.
	inDegree := make(map[uuid.UUID]int, len(g.tasks))
	for id := range g.tasks {
		n := 0
		for _, d := range g.edges[id] {
			if _, ok := g.tasks[d]; ok {
				n++
			}
		}
		inDegree[id] = n
	}

	var queue []uuid.UUID
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	// dependents[x] = tasks whose edges include x, i.e. tasks that depend on x.
	dependents := make(map[uuid.UUID][]uuid.UUID)
	for id, deps := range g.edges {
		for _, d := range deps {
			dependents[d] = append(dependents[d], id)
		}
	}

	result := make([]*task.Task, 0, len(g.tasks))
	for len(queue) > 0 {
		sortQueue(queue, g.tasks)
		current := queue[0]
		queue = queue[1:]
		result = append(result, g.tasks[current])

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.tasks) {
		return nil, queueerr.New(queueerr.KindCycleDetected, "topological sort could not order all tasks")
	}
	return result, nil
}

func sortQueue(queue []uuid.UUID, tasks map[uuid.UUID]*task.Task) {
	sort.Slice(queue, func(i, j int) bool {
		a, b := tasks[queue[i]], tasks[queue[j]]
		if a.CalculatedPriority != b.CalculatedPriority {
			return a.CalculatedPriority > b.CalculatedPriority
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func (g *Graph) sortedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Depth returns the dependency depth of id: 0 for a task with no
// dependencies, otherwise one more than the maximum depth of its
// dependencies. A cycle short-circuits to 0 for the repeated member rather
// than recursing forever; callers should reject cyclic graphs via
// DetectCycle before relying on depth.
func (g *Graph) Depth(id uuid.UUID) int {
	return g.depth(id, make(map[uuid.UUID]bool))
}

func (g *Graph) depth(id uuid.UUID, visiting map[uuid.UUID]bool) int {
	if visiting[id] {
		return 0
	}
	deps := g.edges[id]
	if len(deps) == 0 {
		return 0
	}
	visiting[id] = true
	defer delete(visiting, id)

	max := 0
	for _, dep := range deps {
		if d := g.depth(dep, visiting); d > max {
			max = d
		}
	}
	return max + 1
}

// Ready reports whether id's dependencies are satisfied for its
// DependencyType: Sequential requires every dependency Completed; Parallel
// requires every dependency to have reached any terminal state.
func (g *Graph) Ready(id uuid.UUID) bool {
	t := g.tasks[id]
	if t == nil {
		return false
	}
	for _, dep := range t.Dependencies {
		depTask, ok := g.tasks[dep]
		if !ok {
			// A dependency outside the task set is assumed terminal and
			// successful; the caller supplies the complete relevant subgraph.
			continue
		}
		switch t.DependencyType {
		case task.DependencyParallel:
			if !depTask.Status.Terminal() {
				return false
			}
		default: // DependencySequential
			if depTask.Status != task.StatusCompleted {
				return false
			}
		}
	}
	return true
}

// Dependents returns the tasks that declare id as a dependency.
func (g *Graph) Dependents(id uuid.UUID) []*task.Task {
	var out []*task.Task
	for tid, t := range g.tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, g.tasks[tid])
				break
			}
		}
	}
	return out
}
