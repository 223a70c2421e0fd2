// Package transcript holds the running transcript of a session.
package transcript

import (
	"strings"
	"sync"
)

// Aggregator is an append-only transcript. Fragments are trimmed and
// joined with a single space; fragments that trim to nothing are ignored.
// Safe for one writer and many concurrent readers.
type Aggregator struct {
	mu        sync.RWMutex
	fragments []string
	text      string
}

// NewAggregator returns an empty transcript.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Append adds a fragment and returns the full transcript and whether the
// fragment was kept.
func (a *Aggregator) Append(fragment string) (string, bool) {
	fragment = strings.TrimSpace(fragment)

	a.mu.Lock()
	defer a.mu.Unlock()

	if fragment == "" {
		return a.text, false
	}
	if len(a.fragments) == 0 {
		a.text = fragment
	} else {
		a.text = a.text + " " + fragment
	}
	a.fragments = append(a.fragments, fragment)
	return a.text, true
}

// Text returns the current transcript snapshot.
func (a *Aggregator) Text() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.text
}

// Fragments returns a copy of the appended fragments in order.
func (a *Aggregator) Fragments() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.fragments...)
}

// Len returns the number of fragments.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.fragments)
}
