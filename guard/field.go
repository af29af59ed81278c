package guard

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// FIELD - Debounced, generation-guarded validation for one input
// =============================================================================

// Field guards one input field. Input is called per keystroke; State returns
// the current ValidationState; OnChange, when set, observes every state
// transition (the view re-render hook).
type Field struct {
	guard   *Guard
	channel Channel

	mu       sync.Mutex
	gen      uint64
	state    State
	timer    *time.Timer
	OnChange func(State)
}

// Field creates a debounced guard for one input bound to channelID.
// An unknown channel yields a field whose every value fails the format stage.
func (g *Guard) Field(channelID string) *Field {
	c := g.channels[channelID]
	if c.ID == "" {
		c = Channel{ID: channelID, Prefix: "\x00invalid", Digits: 0}
	}
	return &Field{guard: g, channel: c}
}

// Input records a new value. The format check runs synchronously; when it
// passes, a uniqueness lookup is scheduled after the quiet period. Every call
// advances the generation, so lookups scheduled for older values can never
// overwrite this value's state.
func (f *Field) Input(value string) State {
	f.mu.Lock()
	f.gen++
	gen := f.gen
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}

	f.state = State{Value: value}
	f.state.FormatError = f.channel.Validate(value)
	if f.state.FormatError != "" {
		// Short-circuit: exists is not evaluated for a malformed value.
		out := f.state
		f.mu.Unlock()
		f.notify(out)
		return out
	}

	f.state.Checking = true
	f.timer = time.AfterFunc(f.guard.debounce, func() { f.lookup(value, gen) })
	out := f.state
	f.mu.Unlock()
	f.notify(out)
	return out
}

// State returns the current validation state.
func (f *Field) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// lookup fires after the quiet period. The resolved result is applied only
// if no newer input superseded the captured generation.
func (f *Field) lookup(value string, gen uint64) {
	exists, err := f.guard.checker.Exists(context.Background(), value)

	f.mu.Lock()
	if f.gen != gen {
		// Stale response: a newer value owns the state now. Discard.
		f.mu.Unlock()
		return
	}
	f.state.Checking = false
	if err != nil {
		// Indeterminate is blocking: Verified stays false, the next
		// debounce cycle retries.
		f.mu.Unlock()
		f.guard.logger.Warn("uniqueness lookup failed", "ref", value, "error", err)
		f.notify(f.State())
		return
	}
	f.state.Exists = exists
	f.state.Verified = true
	out := f.state
	f.mu.Unlock()
	f.notify(out)
}

func (f *Field) notify(s State) {
	if f.OnChange != nil {
		f.OnChange(s)
	}
}
