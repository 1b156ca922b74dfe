// Package transport carries rendered messages to their providers. Each
// channel gets a small interface so the notifier jobs can be tested against
// fakes, plus one real implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps provider connectivity failures: connection refused,
// timeouts, 5xx responses. A batch drain aborts on it instead of failing
// every remaining item.
var ErrUnavailable = errors.New("transport unavailable")

func unavailable(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, ErrUnavailable, err)
}

// Email delivers a rendered subject/body to one address.
type Email interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMS delivers a short text to one phone number.
type SMS interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Push delivers a text to a chat the recipient linked.
type Push interface {
	SendPush(ctx context.Context, chatID int64, body string) error
}
