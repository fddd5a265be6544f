// Package notify delivers completed job results outside the polling
// protocol (mail and SMS).
//
// Delivery is best effort. Callers log failures and never feed them back
// into the job's status.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned by notifiers whose credentials are missing.
var ErrNotConfigured = errors.New("notifier credentials are missing")

// Payload is the terminal job response as seen by the caller.
type Payload map[string]any

// Notifier delivers payload to destination (a mail address or phone number).
type Notifier interface {
	Send(ctx context.Context, destination string, payload Payload) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, destination string, payload Payload) error

func (f NotifierFunc) Send(ctx context.Context, destination string, payload Payload) error {
	return f(ctx, destination, payload)
}

// Nop discards every notification.
var Nop Notifier = NotifierFunc(func(context.Context, string, Payload) error { return nil })

// Body renders payload as the human-readable notification text.
func Body(payload Payload) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("Response: %v", map[string]any(payload))
	}
	return "Response: " + string(b)
}

// Throttled wraps a notifier with a token-bucket limiter so bursts of
// completing jobs do not hammer the mail or SMS provider.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Throttle returns next limited to perSecond sends with the given burst. A
// non-positive perSecond disables throttling and returns next unchanged.
func Throttle(next Notifier, perSecond float64, burst int, logger *zap.Logger) Notifier {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

func (t *Throttled) Send(ctx context.Context, destination string, payload Payload) error {
	if err := t.limiter.Wait(ctx); err != nil {
		t.logger.Warn("Notification throttle wait aborted",
			zap.String("destination", destination),
			zap.Error(err))
		return fmt.Errorf("throttle: %w", err)
	}
	return t.next.Send(ctx, destination, payload)
}
