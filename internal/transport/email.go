package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mail "gopkg.in/mail.v2"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

// SMTPEmail sends through a plain SMTP relay. A fresh dial per message keeps
// the implementation simple; the notifier drains batches slowly enough that
// connection reuse is not worth the state.
type SMTPEmail struct {
	cfg config.EmailConfig
	log logx.Logger
}

func NewSMTPEmail(cfg config.EmailConfig, log logx.Logger) *SMTPEmail {
	return &SMTPEmail{cfg: cfg, log: log}
}

func (t *SMTPEmail) SendEmail(ctx context.Context, to, subject, body string) error {
	m := mail.NewMessage()
	m.SetHeader("From", t.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := mail.NewDialer(t.cfg.SMTPHost, t.cfg.SMTPPort, t.cfg.Username, t.cfg.Password)
	d.Timeout = 15 * time.Second
	d.TLSConfig = &tls.Config{ServerName: t.cfg.SMTPHost}

	type result struct {
		dialErr error
		sendErr error
	}
	done := make(chan result, 1)
	go func() {
		sc, err := d.Dial()
		if err != nil {
			done <- result{dialErr: err}
			return
		}
		defer sc.Close()
		done <- result{sendErr: mail.Send(sc, m)}
	}()

	select {
	case <-ctx.Done():
		return unavailable("smtp", ctx.Err())
	case r := <-done:
		if r.dialErr != nil {
			// Relay unreachable: systemic, the caller aborts its batch.
			t.log.Warn("smtp dial failed", logx.Err(r.dialErr))
			return unavailable("smtp", r.dialErr)
		}
		if r.sendErr != nil {
			// Protocol-level rejection of this one message only, e.g. an
			// unknown recipient. The item fails, the batch keeps going.
			t.log.Warn("smtp send rejected", logx.String("to", to), logx.Err(r.sendErr))
			return fmt.Errorf("send to %s: %w", to, r.sendErr)
		}
	}
	t.log.Debug("email sent", logx.String("to", to), logx.String("subject", subject))
	return nil
}
