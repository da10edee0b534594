// Package model defines the request records the gateway endpoints accept,
// the normalized shapes fed to the namespace selector and fingerprinter,
// and the standard API response envelopes.
package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// UserShape is the minimal slice of a user profile the core consults for
// partition selection and fingerprinting. It is deliberately NOT the full
// profile: keeping the fingerprint surface small maximizes cache hit rate.
type UserShape struct {
	Experience        string   `json:"experience,omitempty"`
	PrimaryGoal       string   `json:"primary_goal,omitempty"`
	ActiveProgramType string   `json:"active_program_type,omitempty"`
	InjuryFlags       []string `json:"injury_flags,omitempty"`
}

// HasInjury reports whether the user carries any active injury flag.
func (u UserShape) HasInjury() bool { return len(u.InjuryFlags) > 0 }

// Shape is the normalized intermediate representation of a request: a flat
// set of lowercased string fields. The fingerprinter and namespace selector
// operate on Shape, so adding an endpoint never touches fingerprint code.
type Shape map[string]string

// Request is a typed endpoint request record that can be normalized.
type Request interface {
	// Shape returns the canonical normalized fields of the request.
	Shape() Shape
	// Query returns the retrieval query text for the request.
	Query() string
}

// norm lowercases and collapses whitespace in a field value.
func norm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CoachAskRequest is the body of POST /api/coach/ask.
type CoachAskRequest struct {
	Question string `json:"question"`
	Topic    string `json:"topic,omitempty"`
}

func (r CoachAskRequest) Shape() Shape {
	return Shape{"question": norm(r.Question), "topic": norm(r.Topic)}
}

func (r CoachAskRequest) Query() string { return r.Question }

// ProgramGenerateRequest is the body of POST /api/program/generate/{kind}.
type ProgramGenerateRequest struct {
	Kind        string   `json:"kind"`
	Focus       string   `json:"focus,omitempty"`
	DaysPerWeek int      `json:"days_per_week,omitempty"`
	Equipment   []string `json:"equipment,omitempty"`
}

func (r ProgramGenerateRequest) Shape() Shape {
	eq := make([]string, len(r.Equipment))
	for i, e := range r.Equipment {
		eq[i] = norm(e)
	}
	sort.Strings(eq)
	return Shape{
		"kind":      norm(r.Kind),
		"focus":     norm(r.Focus),
		"days":      strconv.Itoa(r.DaysPerWeek),
		"equipment": strings.Join(eq, ","),
	}
}

func (r ProgramGenerateRequest) Query() string {
	return strings.TrimSpace(r.Kind + " program " + r.Focus)
}

// RunningAnalyzeRequest is the body of POST /api/running/analyze.
type RunningAnalyzeRequest struct {
	Question     string   `json:"question"`
	RaceDistance string   `json:"race_distance,omitempty"`
	Conditions   []string `json:"conditions,omitempty"` // e.g. "heat", "elevation"
}

func (r RunningAnalyzeRequest) Shape() Shape {
	conds := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		conds[i] = norm(c)
	}
	sort.Strings(conds)
	return Shape{
		"question":   norm(r.Question),
		"distance":   norm(r.RaceDistance),
		"conditions": strings.Join(conds, ","),
	}
}

func (r RunningAnalyzeRequest) Query() string { return r.Question }

// InjuryAnalyzeRequest is the body of POST /api/injury/analyze.
type InjuryAnalyzeRequest struct {
	Description string `json:"description"`
	BodyPart    string `json:"body_part,omitempty"`
}

func (r InjuryAnalyzeRequest) Shape() Shape {
	return Shape{"description": norm(r.Description), "body_part": norm(r.BodyPart)}
}

func (r InjuryAnalyzeRequest) Query() string { return r.Description }

// WorkoutLogRequest is the body of POST /api/workout/log (mutation; no
// retrieval shape).
type WorkoutLogRequest struct {
	Exercises []LoggedExercise `json:"exercises"`
	Notes     string           `json:"notes,omitempty"`
}

// LoggedExercise is one logged movement.
type LoggedExercise struct {
	Name   string  `json:"name"`
	Sets   int     `json:"sets"`
	Reps   int     `json:"reps"`
	Weight float64 `json:"weight,omitempty"`
}

// InjuryLogRequest is the body of POST /api/injury/log (mutation).
type InjuryLogRequest struct {
	BodyPart    string `json:"body_part"`
	Description string `json:"description,omitempty"`
}

// ProfileUpdateRequest is the body of PUT /api/profile (mutation).
type ProfileUpdateRequest struct {
	Experience  string `json:"experience,omitempty"`
	PrimaryGoal string `json:"primary_goal,omitempty"`
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used across handlers.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// RateLimitError is the 429 body the admission middleware emits.
type RateLimitError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
	Tier       string `json:"tier"`
	Endpoint   string `json:"endpoint"`
	Remaining  int    `json:"remaining"`
}
