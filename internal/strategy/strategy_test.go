package strategy

import (
	"reflect"
	"testing"

	"github.com/Mnehmos/rooswarm/internal/taskgraph"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{NameMaxParallel, false},
		{NameRateAware, false},
		{NameCriticalPath, false},
		{"round-robin", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error for unknown strategy")
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) failed: %v", tt.name, err)
			}
			if s.Name() != tt.name {
				t.Errorf("Expected name %q, got %q", tt.name, s.Name())
			}
		})
	}
}

func TestMaxParallel_SelectTasks(t *testing.T) {
	ready := []string{"a", "b", "c"}

	tests := []struct {
		name      string
		available int
		want      []string
	}{
		{"more slots than tasks", 5, []string{"a", "b", "c"}},
		{"fewer slots than tasks", 2, []string{"a", "b"}},
		{"no slots", 0, nil},
		{"negative slots", -1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaxParallel{}.SelectTasks(ready, tt.available, Inputs{})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectTasks = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestMaxParallel_DoesNotMutateInput(t *testing.T) {
	ready := []string{"a", "b", "c"}
	got := MaxParallel{}.SelectTasks(ready, 2, Inputs{})

	got[0] = "mutated"
	if ready[0] != "a" {
		t.Error("SelectTasks must not alias the input slice")
	}
}

func TestRateAware_SelectTasks(t *testing.T) {
	ready := []string{"t1", "t2", "t3", "t4", "t5"}

	tests := []struct {
		name      string
		available int
		in        Inputs
		wantLen   int
	}{
		{
			name:      "headroom limits dispatch",
			available: 5,
			in:        Inputs{CurrentRPM: 0, MaxRPM: 100, EstimatedRPMPerTask: 40},
			wantLen:   2, // floor(100/40)
		},
		{
			name:      "worker slots limit dispatch",
			available: 1,
			in:        Inputs{CurrentRPM: 0, MaxRPM: 1000, EstimatedRPMPerTask: 10},
			wantLen:   1,
		},
		{
			name:      "zero headroom selects nothing",
			available: 5,
			in:        Inputs{CurrentRPM: 100, MaxRPM: 100, EstimatedRPMPerTask: 10},
			wantLen:   0,
		},
		{
			name:      "negative headroom selects nothing",
			available: 5,
			in:        Inputs{CurrentRPM: 150, MaxRPM: 100, EstimatedRPMPerTask: 10},
			wantLen:   0,
		},
		{
			name:      "zero estimate selects nothing",
			available: 5,
			in:        Inputs{CurrentRPM: 0, MaxRPM: 100, EstimatedRPMPerTask: 0},
			wantLen:   0,
		},
		{
			name:      "estimate larger than headroom selects nothing",
			available: 5,
			in:        Inputs{CurrentRPM: 90, MaxRPM: 100, EstimatedRPMPerTask: 40},
			wantLen:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RateAware{}.SelectTasks(ready, tt.available, tt.in)
			if len(got) != tt.wantLen {
				t.Errorf("SelectTasks returned %d tasks, expected %d: %v", len(got), tt.wantLen, got)
			}
			if tt.wantLen > 0 && !reflect.DeepEqual(got, ready[:tt.wantLen]) {
				t.Errorf("Expected prefix %v, got %v", ready[:tt.wantLen], got)
			}
		})
	}
}

func TestCriticalPath_PrefersPathTasks(t *testing.T) {
	// a -> b -> c is the critical chain, d is a side task.
	g, err := taskgraph.New([]taskgraph.TaskSpec{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
		{ID: "d", Dependencies: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("taskgraph.New failed: %v", err)
	}
	g.MarkCompleted("a")

	// Ready set lists d first; critical-path ordering must move b ahead.
	got := CriticalPath{}.SelectTasks([]string{"d", "b"}, 1, Inputs{Graph: g})
	if !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Expected [b] with one slot, got %v", got)
	}

	got = CriticalPath{}.SelectTasks([]string{"d", "b"}, 2, Inputs{Graph: g})
	if !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Errorf("Expected [b d], got %v", got)
	}
}

func TestCriticalPath_OffPathKeepsInputOrder(t *testing.T) {
	g, err := taskgraph.New([]taskgraph.TaskSpec{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "x"},
		{ID: "y"},
	})
	if err != nil {
		t.Fatalf("taskgraph.New failed: %v", err)
	}

	got := CriticalPath{}.SelectTasks([]string{"y", "x", "a"}, 3, Inputs{Graph: g})
	if !reflect.DeepEqual(got, []string{"a", "y", "x"}) {
		t.Errorf("Expected on-path first then input order [a y x], got %v", got)
	}
}

func TestCriticalPath_FallsBackWithoutGraph(t *testing.T) {
	got := CriticalPath{}.SelectTasks([]string{"a", "b", "c"}, 2, Inputs{})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Expected MaxParallel fallback [a b], got %v", got)
	}
}

func TestCriticalPath_DoesNotMutateInput(t *testing.T) {
	g, err := taskgraph.New([]taskgraph.TaskSpec{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("taskgraph.New failed: %v", err)
	}

	ready := []string{"x", "a"}
	_ = CriticalPath{}.SelectTasks(ready, 2, Inputs{Graph: g})
	if !reflect.DeepEqual(ready, []string{"x", "a"}) {
		t.Errorf("Input slice was mutated: %v", ready)
	}
}
