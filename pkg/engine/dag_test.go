package engine

import (
	"strings"
	"testing"
)

func TestBuildPlanGraphRejectsInvalidPlans(t *testing.T) {
	cases := []struct {
		name string
		plan *ExecutionPlan
		want string
	}{
		{
			name: "empty task id",
			plan: &ExecutionPlan{Tasks: []ExecutionTask{
				{Backend: "compute"},
			}},
			want: "empty id",
		},
		{
			name: "duplicate id",
			plan: &ExecutionPlan{Tasks: []ExecutionTask{
				{ID: "a", Backend: "compute"},
				{ID: "a", Backend: "compute"},
			}},
			want: "duplicate",
		},
		{
			name: "unknown dependency",
			plan: &ExecutionPlan{Tasks: []ExecutionTask{
				{ID: "a", Backend: "compute", DependsOn: []string{"ghost"}},
			}},
			want: "ghost",
		},
		{
			name: "cycle",
			plan: &ExecutionPlan{Tasks: []ExecutionTask{
				{ID: "a", Backend: "compute", DependsOn: []string{"b"}},
				{ID: "b", Backend: "compute", DependsOn: []string{"a"}},
			}},
			want: "cycle",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildPlanGraph(tc.plan)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsKind(err, KindInvalidPlan) {
				t.Errorf("expected KindInvalidPlan, got %v", KindOf(err))
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected message containing %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestComputeOrderRespectsDependencies(t *testing.T) {
	plan := &ExecutionPlan{Tasks: []ExecutionTask{
		{ID: "c", Backend: "compute", DependsOn: []string{"a", "b"}},
		{ID: "a", Backend: "compute"},
		{ID: "b", Backend: "compute", DependsOn: []string{"a"}},
	}}

	graph, err := buildPlanGraph(plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := map[string]int{}
	for i, id := range graph.order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("topological order violated: %v", graph.order)
	}
}

// TestComputeOrderDeterministic checks that the order follows the
// plan's task sequence among ready tasks and does not vary run to run.
func TestComputeOrderDeterministic(t *testing.T) {
	plan := &ExecutionPlan{Tasks: []ExecutionTask{
		{ID: "x", Backend: "compute"},
		{ID: "y", Backend: "compute"},
		{ID: "z", Backend: "compute"},
	}}

	var first []string
	for i := 0; i < 10; i++ {
		graph, err := buildPlanGraph(plan)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first == nil {
			first = graph.order
			continue
		}
		for j := range first {
			if graph.order[j] != first[j] {
				t.Fatalf("order varies across builds: %v vs %v", first, graph.order)
			}
		}
	}
	if first[0] != "x" || first[1] != "y" || first[2] != "z" {
		t.Errorf("order does not follow plan sequence: %v", first)
	}
}

func TestTransitiveDependents(t *testing.T) {
	plan := &ExecutionPlan{Tasks: []ExecutionTask{
		{ID: "root", Backend: "compute"},
		{ID: "mid", Backend: "compute", DependsOn: []string{"root"}},
		{ID: "leaf", Backend: "compute", DependsOn: []string{"mid"}},
		{ID: "other", Backend: "compute"},
	}}

	graph, err := buildPlanGraph(plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deps := map[string]bool{}
	for _, id := range graph.transitiveDependents("root") {
		deps[id] = true
	}
	if !deps["mid"] || !deps["leaf"] {
		t.Errorf("expected mid and leaf as dependents, got %v", deps)
	}
	if deps["other"] || deps["root"] {
		t.Errorf("unexpected dependents: %v", deps)
	}
}
