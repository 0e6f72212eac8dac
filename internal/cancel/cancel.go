// Package cancel provides the cooperative abort token passed through a workflow run.
//
// A token is checked between units of work (pages, characters, covers). The unit in
// flight always finishes; only the next unit is prevented from starting. Process
// shutdown still flows through context.Context.
package cancel

import "sync/atomic"

// Token is a cooperative abort flag owned by one workflow run.
type Token struct {
	aborted atomic.Bool
}

// New creates an unaborted token.
func New() *Token {
	return &Token{}
}

// Abort requests that work stop before the next unit.
func (t *Token) Abort() {
	if t != nil {
		t.aborted.Store(true)
	}
}

// Aborted reports whether Abort has been called. A nil token is never aborted.
func (t *Token) Aborted() bool {
	return t != nil && t.aborted.Load()
}
