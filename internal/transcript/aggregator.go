// Package transcript accumulates streamed input and output transcription
// deltas into finalized conversation turns.
//
// An [Aggregator] keeps two independent buffers, one for what the user said
// and one for what the model said. Every delta is appended exactly once, in
// arrival order, with no trimming or joining. [Aggregator.Complete] snapshots
// both buffers into a [Turn] and resets them.
package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Turn is one finalized exchange.
type Turn struct {
	ID     string    `json:"id"`
	Input  string    `json:"input"`
	Output string    `json:"output"`
	At     time.Time `json:"at"`
}

// Empty reports whether neither side produced any text.
func (t Turn) Empty() bool { return t.Input == "" && t.Output == "" }

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithClock overrides the wall clock used to stamp turns.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDGenerator overrides how turn IDs are minted. Defaults to random UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(a *Aggregator) { a.newID = gen }
}

// Aggregator is owned by a single goroutine and is not safe for concurrent
// use.
type Aggregator struct {
	input  strings.Builder
	output strings.Builder
	now    func() time.Time
	newID  func() string
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendInput appends a user transcription delta.
func (a *Aggregator) AppendInput(text string) { a.input.WriteString(text) }

// AppendOutput appends a model transcription delta.
func (a *Aggregator) AppendOutput(text string) { a.output.WriteString(text) }

// Pending returns the text accumulated since the last Complete.
func (a *Aggregator) Pending() (input, output string) {
	return a.input.String(), a.output.String()
}

// Complete finalizes the current turn and resets both buffers. A turn is
// produced even when both buffers are empty.
func (a *Aggregator) Complete() Turn {
	t := Turn{
		ID:     a.newID(),
		Input:  a.input.String(),
		Output: a.output.String(),
		At:     a.now(),
	}
	a.input.Reset()
	a.output.Reset()
	return t
}

// Reset discards any pending text without producing a turn.
func (a *Aggregator) Reset() {
	a.input.Reset()
	a.output.Reset()
}
