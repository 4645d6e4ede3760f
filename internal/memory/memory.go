// Package memory persists delegation history across three tiers.
//
// ShortTerm is a bounded ring rebuilt empty on every restart. LongTerm is
// an append-only keyed log on disk; the last durably written entry is
// authoritative after a crash, and records are searchable through a
// pluggable vector index. Episodic holds curated exemplars per role,
// ranked by a quality score so the best past executions surface first.
//
// Records are written on every delegation outcome and never deleted,
// except by ShortTerm's ring eviction.
package memory

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/conductd/internal/role"
)

// Memory errors.
var (
	ErrNotFound   = errors.New("memory record not found")
	ErrEmptyKey   = errors.New("memory key cannot be empty")
	ErrEmptyValue = errors.New("memory value cannot be empty")
	ErrClosed     = errors.New("memory store closed")
)

// Record is one remembered interaction.
type Record struct {
	// ID is the unique record identifier (UUID).
	ID string `json:"id"`

	// Key groups records; retrieval returns the newest record per key.
	Key string `json:"key"`

	// Value is the opaque remembered content.
	Value string `json:"value"`

	// OriginRole names the role that produced this record.
	OriginRole role.Role `json:"origin_role"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`

	// AccessCount tracks how many times this record has been retrieved.
	AccessCount int `json:"access_count"`
}

// NewRecord creates a record with a generated UUID and UTC timestamp.
func NewRecord(key, value string, origin role.Role) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	if value == "" {
		return Record{}, ErrEmptyValue
	}
	return Record{
		ID:         uuid.New().String(),
		Key:        key,
		Value:      value,
		OriginRole: origin,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Episode is a curated exemplar of one past execution, kept so similar
// future tasks can be guided by what worked before.
type Episode struct {
	// ID is the unique episode identifier (UUID).
	ID string `json:"id"`

	// Role is the role that executed the task.
	Role role.Role `json:"role"`

	// TaskType categorizes the work so retrieval can match similar tasks.
	TaskType string `json:"task_type"`

	// Summary is the exemplar content shown to future delegations.
	Summary string `json:"summary"`

	// Success records whether the execution succeeded.
	Success bool `json:"success"`

	// Tokens is the output size; shorter exemplars rank higher.
	Tokens int `json:"tokens"`

	// Duration is how long the execution took.
	Duration time.Duration `json:"duration"`

	// CreatedAt is when the episode was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// qualityHalfLife controls recency decay: an episode this old scores
// half the recency of a fresh one.
const qualityHalfLife = 7 * 24 * time.Hour

// Quality scores an episode in [0,1] from success, brevity, and recency.
// Success dominates; among comparable outcomes, shorter and fresher
// exemplars win.
func (e Episode) Quality(now time.Time) float64 {
	success := 0.0
	if e.Success {
		success = 1.0
	}

	brevity := 1.0 / (1.0 + float64(e.Tokens)/1024.0)

	age := now.Sub(e.CreatedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Pow(0.5, age.Hours()/qualityHalfLife.Hours())

	return 0.5*success + 0.25*brevity + 0.25*recency
}
