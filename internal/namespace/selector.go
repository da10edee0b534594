// Package namespace maps an (endpoint, request shape, user shape) tuple to
// a ranked list of knowledge-base partitions to query. Selection is purely
// rule-based: a static per-endpoint base set plus signal-driven
// augmentations, capped at five, ordered by a fixed catalog priority.
// Given identical inputs the output is byte-identical; malformed or empty
// inputs fall back to the endpoint's base set.
package namespace

import (
	"sort"
	"strings"

	"github.com/stridelab/coachgate/internal/model"
)

// maxSelected caps the partitions queried per request.
const maxSelected = 5

// Catalog is the full set of knowledge-base partitions in priority order.
// Lower index wins when the selection must be truncated.
var Catalog = []string{
	"strength-fundamentals",
	"squat-technique",
	"deadlift-technique",
	"bench-technique",
	"overhead-press-technique",
	"olympic-lifts",
	"program-design",
	"periodization",
	"progressive-overload",
	"hypertrophy",
	"powerlifting",
	"exercise-alternatives",
	"warmup-protocols",
	"injury-management",
	"injury-prevention",
	"mobility",
	"recovery",
	"sleep",
	"deload-strategies",
	"running-base",
	"running-speedwork",
	"running-form",
	"race-preparation",
	"marathon-training",
	"trail-running",
	"environment-running",
	"cross-training",
	"conditioning",
	"kettlebell",
	"bodyweight-training",
	"home-gym",
	"nutrition",
	"protein-intake",
	"hydration",
	"supplements",
	"weight-management",
	"beginner-mistakes",
	"plateau-breaking",
	"masters-athletes",
	"youth-training",
}

// priority maps each catalog entry to its rank.
var priority = func() map[string]int {
	p := make(map[string]int, len(Catalog))
	for i, name := range Catalog {
		p[name] = i
	}
	return p
}()

// defaultBase backs endpoints with no explicit base set.
var defaultBase = []string{"strength-fundamentals", "program-design"}

// baseSets is the static per-endpoint mapping. Prefix entries (trailing
// slash) match path prefixes.
var baseSets = map[string][]string{
	"/api/coach/ask":                   {"strength-fundamentals", "squat-technique"},
	"/api/program/generate/strength":   {"program-design", "periodization", "strength-fundamentals"},
	"/api/program/generate/running":    {"running-base", "race-preparation"},
	"/api/program/generate/":           {"program-design", "periodization"},
	"/api/running/analyze":             {"running-base", "running-speedwork"},
	"/api/injury/analyze":              {"injury-management", "injury-prevention", "mobility"},
	"/api/workout/insights":            {"program-design", "recovery"},
	"/api/chat/swap-exercise-enhanced": {"exercise-alternatives", "strength-fundamentals"},
}

// Selector chooses retrieval partitions. It is stateless; the zero value
// is usable.
type Selector struct{}

// New returns a Selector.
func New() *Selector { return &Selector{} }

// Select returns the ordered partition list for one request. It never
// fails: unknown endpoints and empty shapes degrade to the base set.
func (s *Selector) Select(endpoint string, req model.Shape, user model.UserShape) []string {
	base := baseSet(endpoint)

	picked := make([]string, 0, maxSelected)
	seen := make(map[string]bool, maxSelected)
	add := func(names ...string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				picked = append(picked, n)
			}
		}
	}
	add(base...)

	// Signal-driven augmentations.
	if user.HasInjury() {
		add("injury-management")
	}
	if isProgrammingQuestion(req) && strings.EqualFold(user.Experience, "beginner") {
		add("strength-fundamentals")
	}
	if isRunningEndpoint(endpoint) && mentionsEnvironment(req) {
		add("environment-running")
	}
	if isNutritionAdjacent(req) {
		add("nutrition")
	}

	// Fixed priority order, then cap.
	sort.SliceStable(picked, func(i, j int) bool {
		return rank(picked[i]) < rank(picked[j])
	})
	if len(picked) > maxSelected {
		picked = picked[:maxSelected]
	}
	return picked
}

func rank(name string) int {
	if r, ok := priority[name]; ok {
		return r
	}
	return len(Catalog)
}

func baseSet(endpoint string) []string {
	if set, ok := baseSets[endpoint]; ok {
		return set
	}
	for prefix, set := range baseSets {
		if strings.HasSuffix(prefix, "/") && strings.HasPrefix(endpoint, prefix) {
			return set
		}
	}
	return defaultBase
}

// programmingTerms flag a request as a programming/training question.
var programmingTerms = []string{
	"program", "train", "workout", "routine", "sets", "reps",
	"squat", "deadlift", "bench", "press", "lift",
}

func isProgrammingQuestion(req model.Shape) bool {
	text := req["question"] + " " + req["topic"] + " " + req["kind"]
	for _, term := range programmingTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

func isRunningEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "/running/") ||
		strings.HasPrefix(endpoint, "/api/program/generate/running")
}

// environmentTerms flag heat/elevation conditions in running requests.
var environmentTerms = []string{"heat", "hot", "humid", "elevation", "altitude", "hill"}

func mentionsEnvironment(req model.Shape) bool {
	text := req["question"] + " " + req["conditions"]
	for _, term := range environmentTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

var nutritionTerms = []string{"nutrition", "diet", "protein", "calorie", "macro", "eat", "meal"}

func isNutritionAdjacent(req model.Shape) bool {
	text := req["question"] + " " + req["topic"]
	for _, term := range nutritionTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
