// Package send executes admitted sends through a browser session with
// human-like pacing.
package send

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/Ruankm/autopromo/internal/session"
)

// Send outcome statuses.
const (
	StatusSent  = "sent"
	StatusError = "error"
)

// Policy controls the pacing of a send. Tests inject a zero-delay
// policy; production uses DefaultPolicy.
type Policy struct {
	MinCharDelay     time.Duration
	MaxCharDelay     time.Duration
	PreviewSettleMin time.Duration
	PreviewSettleMax time.Duration
}

// DefaultPolicy paces typing at 30-120ms per character and lets a link
// preview settle for 2.5-4s before submitting.
func DefaultPolicy() Policy {
	return Policy{
		MinCharDelay:     30 * time.Millisecond,
		MaxCharDelay:     120 * time.Millisecond,
		PreviewSettleMin: 2500 * time.Millisecond,
		PreviewSettleMax: 4 * time.Second,
	}
}

// Result reports one send attempt.
type Result struct {
	Status          string
	PreviewRendered bool
	DurationMS      int64
	Err             error
}

// Sender posts messages into destination conversations. It never
// retries internally; retry policy belongs to the dispatch loop.
type Sender struct {
	policy Policy
	now    func() time.Time
	log    *slog.Logger
}

// New creates a Sender with the given pacing policy.
func New(policy Policy, log *slog.Logger) *Sender {
	return &Sender{policy: policy, now: time.Now, log: log}
}

// Send opens the destination conversation, types the text with
// randomized per-character pacing, waits for the link preview when the
// text carries a link, and submits.
func (s *Sender) Send(ctx context.Context, page session.Page, group, text string) Result {
	start := s.now()
	fail := func(err error) Result {
		s.log.Error("send failed", "group", group, "error", err)
		return Result{
			Status:     StatusError,
			DurationMS: s.now().Sub(start).Milliseconds(),
			Err:        err,
		}
	}

	if err := session.OpenGroup(ctx, page, group, s.policy.MinCharDelay, s.policy.MaxCharDelay); err != nil {
		return fail(err)
	}
	if err := session.FocusCompose(ctx, page); err != nil {
		return fail(err)
	}
	if err := session.TypeText(ctx, page, text, s.policy.MinCharDelay, s.policy.MaxCharDelay); err != nil {
		return fail(err)
	}

	preview := false
	if hasLink(text) {
		preview = true
		if err := session.Sleep(ctx, s.previewSettle()); err != nil {
			return fail(err)
		}
	}

	if err := page.PressKey(ctx, "Enter"); err != nil {
		return fail(err)
	}
	if err := session.Sleep(ctx, s.policy.MinCharDelay); err != nil {
		return fail(err)
	}

	res := Result{
		Status:          StatusSent,
		PreviewRendered: preview,
		DurationMS:      s.now().Sub(start).Milliseconds(),
	}
	s.log.Info("message sent",
		"group", group, "preview", res.PreviewRendered, "duration_ms", res.DurationMS)
	return res
}

func (s *Sender) previewSettle() time.Duration {
	min, max := s.policy.PreviewSettleMin, s.policy.PreviewSettleMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func hasLink(text string) bool {
	return strings.Contains(text, "http://") || strings.Contains(text, "https://")
}
