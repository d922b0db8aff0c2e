package engine

import (
	"fmt"
	"sort"
	"strings"
)

// planGraph is the dependency graph of an execution plan. It validates
// references, detects cycles, and produces a stable topological order.
type planGraph struct {
	// tasks maps task IDs to their plan tasks.
	tasks map[string]*ExecutionTask

	// dependents maps a task ID to the IDs that depend on it.
	dependents map[string][]string

	// inDegree tracks the number of unmet dependencies per task.
	inDegree map[string]int

	// order is the topological order, stable with respect to the plan's
	// task sequence.
	order []string
}

// buildPlanGraph validates a plan's dependency structure. Dependencies
// on unknown ids, duplicate task ids, and cycles fail with
// KindInvalidPlan before any adapter is called.
func buildPlanGraph(plan *ExecutionPlan) (*planGraph, error) {
	g := &planGraph{
		tasks:      make(map[string]*ExecutionTask, len(plan.Tasks)),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}

	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.ID == "" {
			return nil, NewError(KindInvalidPlan, "plan task has empty id", nil)
		}
		if _, exists := g.tasks[task.ID]; exists {
			return nil, NewError(KindInvalidPlan,
				fmt.Sprintf("duplicate task id %q", task.ID), nil)
		}
		g.tasks[task.ID] = task
		g.inDegree[task.ID] = 0
	}

	for _, task := range plan.Tasks {
		for _, dep := range task.DependsOn {
			if _, exists := g.tasks[dep]; !exists {
				return nil, NewError(KindInvalidPlan,
					fmt.Sprintf("task %q depends on unknown task %q", task.ID, dep), nil)
			}
			g.dependents[dep] = append(g.dependents[dep], task.ID)
			g.inDegree[task.ID]++
		}
	}

	if err := g.computeOrder(plan); err != nil {
		return nil, err
	}
	return g, nil
}

// computeOrder runs Kahn's algorithm over the plan, walking the plan's
// task sequence each round so the order is deterministic.
func (g *planGraph) computeOrder(plan *ExecutionPlan) error {
	remaining := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		remaining[id] = degree
	}
	placed := make(map[string]bool, len(plan.Tasks))

	for len(g.order) < len(plan.Tasks) {
		progressed := false
		for i := range plan.Tasks {
			id := plan.Tasks[i].ID
			if placed[id] || remaining[id] != 0 {
				continue
			}
			placed[id] = true
			g.order = append(g.order, id)
			for _, dep := range g.dependents[id] {
				remaining[dep]--
			}
			progressed = true
		}
		if !progressed {
			return NewError(KindInvalidPlan,
				fmt.Sprintf("dependency cycle involving %s", formatCycleMembers(remaining, placed)), nil)
		}
	}
	return nil
}

// formatCycleMembers names the tasks still blocked when the sort stalls.
func formatCycleMembers(remaining map[string]int, placed map[string]bool) string {
	var stuck []string
	for id := range remaining {
		if !placed[id] {
			stuck = append(stuck, id)
		}
	}
	if len(stuck) == 0 {
		return "unknown tasks"
	}
	sort.Strings(stuck)
	return strings.Join(stuck, ", ")
}

// transitiveDependents returns every task downstream of id.
func (g *planGraph) transitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)
	return out
}
