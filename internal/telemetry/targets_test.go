package telemetry

import (
	"reflect"
	"testing"
)

func TestNewTargetSet(t *testing.T) {
	s := NewTargetSet("primary", "", "backup", "primary")

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if !s.Contains("primary") || !s.Contains("backup") {
		t.Errorf("Contains() missing label in %v", s.Labels())
	}
	if s.Contains("") {
		t.Error("Contains(\"\") = true, want false")
	}
}

func TestTargetSet_Labels_Sorted(t *testing.T) {
	s := NewTargetSet("zeta", "alpha", "mid")

	got := s.Labels()
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Labels() = %v, want %v", got, want)
	}
}

func TestTargetSet_Pending(t *testing.T) {
	tests := []struct {
		name    string
		targets TargetSet
		results map[string]bool
		want    []string
	}{
		{
			name:    "all delivered",
			targets: NewTargetSet("primary", "backup"),
			results: map[string]bool{"primary": true, "backup": true},
			want:    []string{},
		},
		{
			name:    "partial delivery",
			targets: NewTargetSet("primary", "backup"),
			results: map[string]bool{"primary": true, "backup": false},
			want:    []string{"backup"},
		},
		{
			name:    "missing result counts as failure",
			targets: NewTargetSet("primary"),
			results: map[string]bool{},
			want:    []string{"primary"},
		},
		{
			name:    "extra results ignored",
			targets: NewTargetSet("primary"),
			results: map[string]bool{"primary": true, "other": false},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.targets.Pending(tt.results).Labels()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Pending() = %v, want %v", got, tt.want)
			}
		})
	}
}
