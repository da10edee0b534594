package namespace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridelab/coachgate/internal/model"
	"github.com/stridelab/coachgate/internal/namespace"
)

func TestSelectCoachAskBeginnerSquat(t *testing.T) {
	s := namespace.New()

	req := model.CoachAskRequest{Question: "how to squat"}
	got := s.Select("/api/coach/ask", req.Shape(), model.UserShape{Experience: "beginner"})

	assert.Equal(t, []string{"strength-fundamentals", "squat-technique"}, got)
}

func TestSelectBaseSets(t *testing.T) {
	s := namespace.New()
	none := model.UserShape{}

	tests := []struct {
		endpoint string
		want     []string
	}{
		{"/api/program/generate/strength", []string{"strength-fundamentals", "program-design", "periodization"}},
		{"/api/program/generate/running", []string{"running-base", "race-preparation"}},
		{"/api/program/generate/hybrid", []string{"program-design", "periodization"}},
		{"/api/running/analyze", []string{"running-base", "running-speedwork"}},
		{"/api/injury/analyze", []string{"injury-management", "injury-prevention", "mobility"}},
		{"/api/workout/insights", []string{"program-design", "recovery"}},
		{"/api/chat/swap-exercise-enhanced", []string{"strength-fundamentals", "exercise-alternatives"}},
		{"/api/unknown", []string{"strength-fundamentals", "program-design"}},
	}
	for _, tt := range tests {
		got := s.Select(tt.endpoint, model.Shape{}, none)
		assert.Equal(t, tt.want, got, "endpoint %s", tt.endpoint)
	}
}

func TestSelectInjuryAugmentation(t *testing.T) {
	s := namespace.New()

	got := s.Select("/api/workout/insights", model.Shape{},
		model.UserShape{InjuryFlags: []string{"knee"}})

	assert.Equal(t, []string{"program-design", "injury-management", "recovery"}, got)
}

func TestSelectInjuryAugmentationAlreadyInBase(t *testing.T) {
	s := namespace.New()

	// injury-management is already in the base set; no duplicate appears.
	got := s.Select("/api/injury/analyze", model.Shape{},
		model.UserShape{InjuryFlags: []string{"shoulder"}})

	assert.Equal(t, []string{"injury-management", "injury-prevention", "mobility"}, got)
}

func TestSelectEnvironmentAugmentation(t *testing.T) {
	s := namespace.New()

	req := model.RunningAnalyzeRequest{
		Question:   "pacing for my race",
		Conditions: []string{"heat", "elevation"},
	}
	got := s.Select("/api/running/analyze", req.Shape(), model.UserShape{})

	assert.Equal(t, []string{"running-base", "running-speedwork", "environment-running"}, got)
}

func TestSelectEnvironmentIgnoredOffRunningEndpoints(t *testing.T) {
	s := namespace.New()

	got := s.Select("/api/coach/ask", model.Shape{"question": "training in the heat"},
		model.UserShape{})

	assert.NotContains(t, got, "environment-running")
}

func TestSelectNutritionAugmentation(t *testing.T) {
	s := namespace.New()

	req := model.CoachAskRequest{Question: "how much protein should I eat"}
	got := s.Select("/api/coach/ask", req.Shape(), model.UserShape{})

	assert.Contains(t, got, "nutrition")
}

func TestSelectCapAtFive(t *testing.T) {
	s := namespace.New()

	// All four augmentations fire on top of a two-entry base; the cap
	// keeps the highest-priority five.
	req := model.RunningAnalyzeRequest{
		Question:   "protein and training plan for a marathon",
		Conditions: []string{"heat"},
	}
	got := s.Select("/api/running/analyze", req.Shape(),
		model.UserShape{Experience: "beginner", InjuryFlags: []string{"knee"}})

	require.Len(t, got, 5)
	assert.Equal(t, []string{
		"strength-fundamentals",
		"injury-management",
		"running-base",
		"running-speedwork",
		"environment-running",
	}, got)
}

func TestSelectPriorityOrdering(t *testing.T) {
	s := namespace.New()

	// Augmentations never outrank base entries with earlier catalog
	// positions, regardless of insertion order.
	got := s.Select("/api/chat/swap-exercise-enhanced", model.Shape{},
		model.UserShape{InjuryFlags: []string{"wrist"}})

	assert.Equal(t, []string{"strength-fundamentals", "exercise-alternatives", "injury-management"}, got)
}

func TestSelectDeterministic(t *testing.T) {
	s := namespace.New()

	req := model.CoachAskRequest{Question: "deadlift form and diet"}
	shape := req.Shape()
	user := model.UserShape{Experience: "intermediate", InjuryFlags: []string{"back"}}

	first := s.Select("/api/coach/ask", shape, user)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, s.Select("/api/coach/ask", shape, user))
	}
}

func TestSelectMalformedInputFallsBack(t *testing.T) {
	s := namespace.New()

	got := s.Select("/api/coach/ask", nil, model.UserShape{})
	assert.Equal(t, []string{"strength-fundamentals", "squat-technique"}, got)
}

func TestCatalogHasNoDuplicates(t *testing.T) {
	seen := make(map[string]bool)
	for _, name := range namespace.Catalog {
		require.False(t, seen[name], "duplicate catalog entry %q", name)
		seen[name] = true
	}
}
