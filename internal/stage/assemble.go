package stage

import (
	"regexp"
	"strings"

	"github.com/stupiduntilnot/stagebot/internal/message"
)

// Assemble drops empty segments and prepends decoration to the first
// remaining one. Order is kept. Assembling the output again without
// decoration returns it unchanged.
func Assemble(segments []message.Chain, decoration message.Chain) []message.Chain {
	var out []message.Chain
	for _, seg := range segments {
		if seg.IsEmpty() {
			continue
		}
		if len(out) == 0 && len(decoration) > 0 {
			chain := make(message.Chain, 0, len(decoration)+len(seg))
			chain = append(chain, decoration...)
			out = append(out, append(chain, seg...))
			continue
		}
		out = append(out, seg.Clone())
	}
	return out
}

// Segment splits a chain for paced delivery: each Plain text is cut into
// the pieces matched by re and every other component becomes a segment of
// its own.
func Segment(chain message.Chain, re *regexp.Regexp) []message.Chain {
	var out []message.Chain
	for _, comp := range chain {
		p, ok := comp.(message.Plain)
		if !ok {
			out = append(out, message.Chain{comp})
			continue
		}
		pieces := re.FindAllString(p.Text, -1)
		if len(pieces) == 0 {
			out = append(out, message.Chain{p})
			continue
		}
		for _, piece := range pieces {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			out = append(out, message.Text(piece))
		}
	}
	return out
}
