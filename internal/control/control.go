// Package control holds the limits that keep one LLM reply bounded and the
// retry helpers shared by the provider client and the platform adapters.
package control

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
)

// Policy bounds one LLM reply.
type Policy struct {
	MaxTurns    int
	MaxWallTime time.Duration
	MaxRetries  int
	// Identical tool-call rounds tolerated before the loop is cut.
	StallRounds int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxTurns:    5,
		MaxWallTime: 120 * time.Second,
		MaxRetries:  2,
		StallRounds: 3,
	}
}

type LimitType string

const (
	LimitTurns    LimitType = "max_turns"
	LimitWallTime LimitType = "max_wall_time_seconds"
	LimitStalled  LimitType = "no_progress"
)

// LimitError reports which bound a reply ran into.
type LimitError struct {
	Type      LimitType
	Value     int64
	Threshold int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=%s value=%d threshold=%d", e.Type, e.Value, e.Threshold)
}

// Check is called before model round trip number turn (0-based). A zero
// MaxTurns allows no turns; a zero MaxWallTime disables the time bound.
func (p Policy) Check(turn int, elapsed time.Duration) error {
	if turn >= p.MaxTurns {
		return &LimitError{Type: LimitTurns, Value: int64(turn), Threshold: int64(p.MaxTurns)}
	}
	if p.MaxWallTime > 0 && elapsed > p.MaxWallTime {
		return &LimitError{
			Type:      LimitWallTime,
			Value:     int64(elapsed.Seconds()),
			Threshold: int64(p.MaxWallTime.Seconds()),
		}
	}
	return nil
}

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per attempt, capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// StallDetector notices a model that keeps asking for the same tool calls.
type StallDetector struct {
	rounds  int
	last    string
	repeats int
}

// NewStallDetector trips after rounds identical consecutive rounds. Rounds
// below 2 never trip.
func NewStallDetector(rounds int) *StallDetector {
	return &StallDetector{rounds: rounds}
}

// Observe records one round of tool calls and reports whether the loop is
// stalled.
func (d *StallDetector) Observe(calls []ctxpkg.ToolCall) bool {
	fp := fingerprint(calls)
	if fp == d.last {
		d.repeats++
	} else {
		d.last = fp
		d.repeats = 1
	}
	return d.rounds > 1 && d.repeats >= d.rounds
}

// Error describes the trip as a LimitError.
func (d *StallDetector) Error() error {
	return &LimitError{Type: LimitStalled, Value: int64(d.repeats), Threshold: int64(d.rounds)}
}

// fingerprint hashes tool names and arguments; call ids are ignored.
func fingerprint(calls []ctxpkg.ToolCall) string {
	h := sha256.New()
	for _, c := range calls {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.Arguments))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
