package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stridelab/coachgate/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Profile is one user's coaching profile as stored.
type Profile struct {
	Subject           string
	Experience        string
	PrimaryGoal       string
	ActiveProgramType string
	InjuryFlags       []string
	UpdatedAt         time.Time
}

// Shape projects the stored profile onto the fields the selector and
// fingerprinter consume.
func (p Profile) Shape() model.UserShape {
	return model.UserShape{
		Experience:        p.Experience,
		PrimaryGoal:       p.PrimaryGoal,
		ActiveProgramType: p.ActiveProgramType,
		InjuryFlags:       p.InjuryFlags,
	}
}

// GetProfile loads a user profile with its active injury flags.
func (db *DB) GetProfile(ctx context.Context, subject string) (Profile, error) {
	var p Profile
	err := db.pool.QueryRow(ctx, `
		SELECT subject, experience, primary_goal, COALESCE(active_program_type, ''), updated_at
		FROM profiles
		WHERE subject = $1`, subject,
	).Scan(&p.Subject, &p.Experience, &p.PrimaryGoal, &p.ActiveProgramType, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("storage: get profile %s: %w", subject, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT body_part
		FROM injuries
		WHERE subject = $1 AND resolved_at IS NULL
		ORDER BY body_part`, subject)
	if err != nil {
		return Profile{}, fmt.Errorf("storage: get injury flags %s: %w", subject, err)
	}
	defer rows.Close()

	for rows.Next() {
		var flag string
		if err := rows.Scan(&flag); err != nil {
			return Profile{}, fmt.Errorf("storage: scan injury flag: %w", err)
		}
		p.InjuryFlags = append(p.InjuryFlags, flag)
	}
	if err := rows.Err(); err != nil {
		return Profile{}, fmt.Errorf("storage: read injury flags: %w", err)
	}
	return p, nil
}

// UpdateProfile upserts the editable profile fields. Blank fields keep
// their stored value.
func (db *DB) UpdateProfile(ctx context.Context, subject string, upd model.ProfileUpdateRequest) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO profiles (subject, experience, primary_goal, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (subject) DO UPDATE SET
			experience   = COALESCE(NULLIF(EXCLUDED.experience, ''), profiles.experience),
			primary_goal = COALESCE(NULLIF(EXCLUDED.primary_goal, ''), profiles.primary_goal),
			updated_at   = now()`,
		subject, upd.Experience, upd.PrimaryGoal)
	if err != nil {
		return fmt.Errorf("storage: update profile %s: %w", subject, err)
	}
	return nil
}

// LogWorkout appends one workout log entry. Exercises are stored as JSONB.
func (db *DB) LogWorkout(ctx context.Context, subject string, log model.WorkoutLogRequest) error {
	exercises, err := json.Marshal(log.Exercises)
	if err != nil {
		return fmt.Errorf("storage: marshal exercises: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO workout_logs (subject, exercises, notes, logged_at)
		VALUES ($1, $2, $3, now())`,
		subject, exercises, log.Notes)
	if err != nil {
		return fmt.Errorf("storage: log workout %s: %w", subject, err)
	}
	return nil
}

// LogInjury records a new unresolved injury for the subject.
func (db *DB) LogInjury(ctx context.Context, subject string, log model.InjuryLogRequest) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO injuries (subject, body_part, description, reported_at)
		VALUES ($1, $2, $3, now())`,
		subject, log.BodyPart, log.Description)
	if err != nil {
		return fmt.Errorf("storage: log injury %s: %w", subject, err)
	}
	return nil
}

// SetActiveProgram records the program type a generated program activated.
func (db *DB) SetActiveProgram(ctx context.Context, subject, programType string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE profiles SET active_program_type = $2, updated_at = now()
		WHERE subject = $1`,
		subject, programType)
	if err != nil {
		return fmt.Errorf("storage: set active program %s: %w", subject, err)
	}
	return nil
}
