// Package stage implements the stages of the event pipeline.
package stage

import "github.com/stupiduntilnot/stagebot/internal/pipeline"

// All returns one instance of every stage; pipeline.Resolve picks and
// orders them from configuration.
func All() []pipeline.Stage {
	return []pipeline.Stage{
		&Whitelist{},
		&Safety{},
		&Command{},
		NewLLM(),
		NewRespond(),
	}
}
