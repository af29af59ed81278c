/*
Package guard implements the duplicate/format validation guard that gates
payment submission: malformed transaction identifiers and identifiers
already committed remotely are caught before a mutation ever commits.

TWO-STAGE CHECK:
  1. Format, synchronous. Each payment channel declares its own required
     shape (channel prefix + fixed-length numeric suffix). A format failure
     short-circuits: the uniqueness lookup is never evaluated.
  2. Uniqueness, asynchronous. A remote existence query, debounced by a
     quiet period (default 500ms) so rapid typing does not fire one lookup
     per keystroke.

STALE-RESPONSE GUARD:
  Each input change increments a generation counter. A resolving lookup is
  applied only if its captured generation still matches - cancellation of
  in-flight network calls is not always available, so stale results are
  discarded at the door instead.

FAILURE SEMANTICS:
  A failed lookup never marks the identifier available. Indeterminate is
  blocking; the next debounce cycle retries.

SEE ALSO:
  - batch/coordinator.go: calls Preflight before any batch entry commits
*/
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultDebounce is the quiet period before the uniqueness lookup fires.
const DefaultDebounce = 500 * time.Millisecond

// =============================================================================
// CHANNEL - Per-payment-channel identifier format
// =============================================================================

// Channel declares the required identifier shape for one payment channel,
// e.g. {ID: "mpesa", Prefix: "MP", Digits: 8} accepts "MP12345678".
type Channel struct {
	ID     string
	Prefix string
	Digits int
}

// Validate returns "" when value matches the channel's format, or a
// human-readable reason.
func (c Channel) Validate(value string) string {
	if !strings.HasPrefix(value, c.Prefix) {
		return fmt.Sprintf("%s references must start with %q", c.ID, c.Prefix)
	}
	suffix := value[len(c.Prefix):]
	if len(suffix) != c.Digits {
		return fmt.Sprintf("%s references need %d digits after %q", c.ID, c.Digits, c.Prefix)
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return fmt.Sprintf("%s references are numeric after %q", c.ID, c.Prefix)
		}
	}
	return ""
}

// =============================================================================
// VALIDATION STATE
// =============================================================================

// State is the per-field validation record a view binds to.
type State struct {
	Value       string
	FormatError string
	Exists      bool
	Checking    bool

	// Verified reports that the uniqueness lookup completed for Value.
	// False while unchecked or after a failed lookup: indeterminate blocks.
	Verified bool
}

// Blocked reports whether submission must be held back for this field.
func (s State) Blocked() bool {
	return s.Checking || s.FormatError != "" || s.Exists || !s.Verified
}

// =============================================================================
// CHECKER - Remote existence lookup
// =============================================================================

// Checker answers whether a transaction identifier is already committed
// remotely. Implemented over remote.Service.Exists by the domain package.
type Checker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

type CheckerFunc func(ctx context.Context, ref string) (bool, error)

func (f CheckerFunc) Exists(ctx context.Context, ref string) (bool, error) { return f(ctx, ref) }

// =============================================================================
// GUARD
// =============================================================================

// Guard holds the channel formats and the remote checker. One guard serves
// every field and every batch pre-flight in the client.
type Guard struct {
	channels map[string]Channel
	checker  Checker
	debounce time.Duration
	logger   *slog.Logger
}

type Option func(*Guard)

// WithDebounce overrides the quiet period (tests use a few milliseconds).
func WithDebounce(d time.Duration) Option { return func(g *Guard) { g.debounce = d } }

func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

func New(checker Checker, channels []Channel, opts ...Option) *Guard {
	g := &Guard{
		channels: make(map[string]Channel, len(channels)),
		checker:  checker,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, c := range channels {
		g.channels[c.ID] = c
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Channel returns the declared format for a channel id.
func (g *Guard) Channel(id string) (Channel, bool) {
	c, ok := g.channels[id]
	return c, ok
}

// CheckFormat runs the synchronous stage only.
func (g *Guard) CheckFormat(channelID, value string) string {
	c, ok := g.channels[channelID]
	if !ok {
		return fmt.Sprintf("unknown payment channel %q", channelID)
	}
	return c.Validate(value)
}

// Check runs both stages synchronously: format, then - only when the format
// passes - the remote uniqueness lookup. Used by the HTTP facade and batch
// pre-flight, where debouncing does not apply.
func (g *Guard) Check(ctx context.Context, channelID, value string) (State, error) {
	s := State{Value: value}
	if s.FormatError = g.CheckFormat(channelID, value); s.FormatError != "" {
		return s, nil
	}
	exists, err := g.checker.Exists(ctx, value)
	if err != nil {
		g.logger.Warn("uniqueness lookup failed", "ref", value, "error", err)
		return s, fmt.Errorf("uniqueness check for %q: %w", value, err)
	}
	s.Exists = exists
	s.Verified = true
	return s, nil
}
