package pipeline

import (
	"context"

	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/event"
)

type StageID string

const (
	StageWhitelistCheck  StageID = "whitelist_check"
	StageContentSafety   StageID = "content_safety"
	StageCommandDispatch StageID = "command_dispatch"
	StageLLM             StageID = "llm"
	StageRespond         StageID = "respond"
)

// Stage is one step of the chain. Process mutates only the event's result
// and flags; expected failures are returned, never panicked.
type Stage interface {
	ID() StageID
	Process(ctx context.Context, pc *Context, ev *event.Event) Result
}

// Terminal is implemented by stages that still run after an earlier stage
// stopped propagation.
type Terminal interface {
	Terminal() bool
}

func isTerminal(s Stage) bool {
	t, ok := s.(Terminal)
	return ok && t.Terminal()
}

type Outcome int

const (
	Continue Outcome = iota
	Stop
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Failed:
		return "fail"
	}
	return "unknown"
}

// Result is what a stage returns. Err is set for Failed and optionally for
// Stop to record the reason.
type Result struct {
	Outcome Outcome
	Err     *StageError
}

func Next() Result { return Result{Outcome: Continue} }

func Halt() Result { return Result{Outcome: Stop} }

// HaltWith stops propagation and records why.
func HaltWith(kind ErrorKind, detail string) Result {
	return Result{Outcome: Stop, Err: &StageError{Kind: kind, Detail: detail}}
}

func Fail(kind ErrorKind, detail string) Result {
	return Result{Outcome: Failed, Err: &StageError{Kind: kind, Detail: detail}}
}

// FailErr is Fail with the underlying error kept for errors.Is.
func FailErr(kind ErrorKind, err error) Result {
	return Result{Outcome: Failed, Err: &StageError{Kind: kind, Detail: err.Error(), Err: err}}
}

// Resolve orders the available stages by ids. Unknown and repeated ids are
// configuration errors.
func Resolve(available []Stage, order []string) ([]Stage, error) {
	byID := make(map[StageID]Stage, len(available))
	for _, s := range available {
		byID[s.ID()] = s
	}
	seen := map[StageID]bool{}
	out := make([]Stage, 0, len(order))
	for _, raw := range order {
		id := StageID(raw)
		s, ok := byID[id]
		if !ok {
			return nil, config.Errorf("pipeline.stages", "unknown stage %q", raw)
		}
		if seen[id] {
			return nil, config.Errorf("pipeline.stages", "stage %q listed twice", raw)
		}
		seen[id] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, config.Errorf("pipeline.stages", "no stages configured")
	}
	return out, nil
}
