package session

import (
	"errors"
	"time"

	"screenrec/internal/capture"
)

type Status string

const (
	StatusIdle     Status = "IDLE"
	StatusStarting Status = "STARTING"
	StatusActive   Status = "ACTIVE"
	StatusStopping Status = "STOPPING"
)

var (
	ErrBusy               = errors.New("a recording session is already in progress")
	ErrRecorderInit       = errors.New("recorder failed to start")
	ErrStorageUnavailable = errors.New("recording storage unavailable")
)

// unusedGrantError marks a start failure that happened before the grant was
// presented for redemption.
type unusedGrantError struct{ err error }

func (e *unusedGrantError) Error() string { return e.err.Error() }
func (e *unusedGrantError) Unwrap() error { return e.err }

// GrantUnused reports whether a failed Start left its grant untouched, so
// the caller may offer it again.
func GrantUnused(err error) bool {
	var u *unusedGrantError
	return errors.As(err, &u)
}

// Record is the observable state of the single recording session.
type Record struct {
	ID         string           `bson:"session_id" json:"id,omitempty"`
	Status     Status           `bson:"status" json:"status"`
	TargetPath string           `bson:"target_path" json:"target_path,omitempty"`
	Geometry   capture.Geometry `bson:"geometry" json:"geometry"`
	GrantID    string           `bson:"grant_id,omitempty" json:"-"`
	StartedAt  *time.Time       `bson:"started_at,omitempty" json:"started_at,omitempty"`
	EndedAt    *time.Time       `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	UpdatedAt  time.Time        `bson:"updated_at" json:"updated_at"`
}
