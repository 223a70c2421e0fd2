// Package segment turns finalized speech runs into padded utterances
// ready for transcription.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out utterance IDs. The counter is shared by all
// sessions, so IDs are unique process-wide.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionId string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-utt-%d", sessionId, n)
}
