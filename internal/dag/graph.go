package dag

import (
	"taskflow/backend/pkg/models"
)

// Graph is an immutable, validated view of a definition's task dependencies.
//
// Indices follow the definition's task order. It is safe for concurrent reads.
type Graph struct {
	tasks      []models.TaskSpec
	index      map[string]int
	deps       [][]int // immediate dependencies, in declaration order
	dependents [][]int // immediate dependents, ascending
}

// Build validates tasks and returns their dependency graph.
func Build(tasks []models.TaskSpec) (*Graph, error) {
	g := &Graph{
		tasks:      tasks,
		index:      make(map[string]int, len(tasks)),
		deps:       make([][]int, len(tasks)),
		dependents: make([][]int, len(tasks)),
	}

	for i, t := range tasks {
		if t.Name == "" {
			return nil, &InvalidTaskError{Index: i, Reason: "name is required"}
		}
		if _, dup := g.index[t.Name]; dup {
			return nil, &DuplicateTaskNameError{Name: t.Name}
		}
		g.index[t.Name] = i
	}

	for i, t := range tasks {
		seen := make(map[int]bool, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			j, ok := g.index[dep]
			if !ok {
				return nil, &UnknownDependencyError{Task: t.Name, Dependency: dep}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}
	return g, nil
}

// Validate checks that a definition's tasks form a valid DAG.
func Validate(def *models.WorkflowDefinition) error {
	_, err := Build(def.Tasks)
	return err
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Task returns the task spec at index i.
func (g *Graph) Task(i int) models.TaskSpec { return g.tasks[i] }

// Dependencies returns the indices task i depends on.
func (g *Graph) Dependencies(i int) []int { return g.deps[i] }

// IsDependent reports whether task `child` depends directly on task `parent`.
func (g *Graph) IsDependent(parent, child string) bool {
	p, ok := g.index[parent]
	if !ok {
		return false
	}
	c, ok := g.index[child]
	if !ok {
		return false
	}
	for _, d := range g.dependents[p] {
		if d == c {
			return true
		}
	}
	return false
}

// TopologicalOrder returns task names so that every task follows its
// dependencies; ties keep definition order.
func (g *Graph) TopologicalOrder() []string {
	indeg := make([]int, len(g.tasks))
	for i := range g.tasks {
		indeg[i] = len(g.deps[i])
	}
	done := make([]bool, len(g.tasks))
	out := make([]string, 0, len(g.tasks))
	for len(out) < len(g.tasks) {
		for i := range g.tasks {
			if done[i] || indeg[i] != 0 {
				continue
			}
			done[i] = true
			out = append(out, g.tasks[i].Name)
			for _, d := range g.dependents[i] {
				indeg[d]--
			}
			break
		}
	}
	return out
}
