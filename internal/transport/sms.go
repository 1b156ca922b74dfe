package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

// HTTPSMS posts to a Twilio-style messages endpoint. Outbound calls are
// paced with a token bucket so batch drains cannot trip provider limits.
type HTTPSMS struct {
	cfg     config.SMSConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewHTTPSMS(cfg config.SMSConfig, log logx.Logger) *HTTPSMS {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &HTTPSMS{
		cfg:     cfg,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
		log:     log,
	}
}

func (t *HTTPSMS) endpoint() string {
	base := t.cfg.APIBaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(base, "/"), url.PathEscape(t.cfg.AccountSID))
}

func (t *HTTPSMS) SendSMS(ctx context.Context, to, body string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return unavailable("sms", err)
	}

	form := url.Values{}
	form.Set("From", t.cfg.From)
	form.Set("To", to)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return unavailable("sms", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return unavailable("sms", fmt.Errorf("provider returned %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		// 4xx is a per-message rejection (bad number, filtered content), not
		// an outage.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms: provider rejected message: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	t.log.Debug("sms sent", logx.String("to", to), logx.Int("len", len(body)))
	return nil
}
