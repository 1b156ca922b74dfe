package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"notifyd/internal/config"
	"notifyd/internal/model"
	"notifyd/internal/render"
	"notifyd/internal/store"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

const previewLen = 120

// notifierBase is the shared drain machinery of the three notifier
// templates. Each drain takes one batch of due queue items for its channel,
// renders the active message template and hands the result to the channel's
// deliver function.
type notifierBase struct {
	st  *store.Store
	log logx.Logger
	now func() time.Time
}

func batchParam() ParamSpec {
	return ParamSpec{Name: "batch_size", Type: "integer", Default: 50, Min: 1, Max: 500, HasRange: true,
		Description: "Maximum queue items processed per run."}
}

// deliverFunc sends one rendered message. It returns the delivery cost, or
// an error; transport.ErrUnavailable aborts the whole batch.
type deliverFunc func(ctx context.Context, item *model.QueueItem, contact *model.Contact, subject, body string) (float64, error)

// filterFunc may veto an item before rendering. A non-empty reason marks the
// item failed with that reason.
type filterFunc func(ctx context.Context, item *model.QueueItem, contact *model.Contact) (reason string)

func (b *notifierBase) drain(ctx context.Context, channel model.Channel, params map[string]any, filter filterFunc, deliver deliverFunc) (*Result, error) {
	batch := int(paramNumber(params, "batch_size", 50))
	now := b.now().UTC()

	items, err := b.st.DueQueueItems(ctx, channel, now, batch)
	if err != nil {
		return nil, fmt.Errorf("load due items: %w", err)
	}

	res := &Result{Details: map[string]any{"channel": string(channel)}}
	for _, item := range items {
		res.Processed++
		if err := ctx.Err(); err != nil {
			return res, err
		}

		contact, err := b.st.GetContact(ctx, item.Username)
		if errors.Is(err, store.ErrNotFound) {
			b.fail(ctx, res, item, "no contact record for recipient")
			continue
		}
		if err != nil {
			return res, fmt.Errorf("load contact: %w", err)
		}

		if filter != nil {
			if reason := filter(ctx, item, contact); reason != "" {
				b.fail(ctx, res, item, reason)
				continue
			}
		}

		tmpl, err := b.st.ActiveTemplate(ctx, item.Trigger, channel)
		if errors.Is(err, store.ErrNotFound) {
			b.fail(ctx, res, item, fmt.Sprintf("no active %s template for trigger %s", channel, item.Trigger))
			continue
		}
		if err != nil {
			return res, fmt.Errorf("load template: %w", err)
		}

		subject := render.Render(tmpl.Subject, item.TemplateData)
		body := render.Render(tmpl.Body, item.TemplateData)
		if channel == model.ChannelSMS {
			body = truncate(body, smsMaxLength(tmpl))
		}

		cost, err := deliver(ctx, item, contact, subject, body)
		if errors.Is(err, transport.ErrUnavailable) {
			// Provider is down: stop here, the remaining items stay queued.
			return res, err
		}
		if errors.Is(err, errCostCeiling) {
			res.Message = "daily cost ceiling reached, batch stopped early"
			b.log.Warn("sms cost ceiling reached", logx.Int("remaining", len(items)-res.Processed+1))
			res.Processed--
			return res, nil
		}
		if err != nil {
			b.fail(ctx, res, item, err.Error())
			continue
		}

		sentAt := b.now().UTC()
		if err := b.st.MarkQueueSent(ctx, item.ID, sentAt); err != nil {
			return res, fmt.Errorf("mark sent: %w", err)
		}
		entry := &model.DeliveryLog{
			ID:       uuid.NewString(),
			Username: item.Username,
			Trigger:  item.Trigger,
			Channel:  channel,
			Priority: item.Priority,
			Subject:  subject,
			Preview:  truncate(body, previewLen),
			Cost:     cost,
			SentAt:   sentAt,
		}
		if err := b.st.AppendDeliveryLog(ctx, entry); err != nil {
			return res, fmt.Errorf("append delivery log: %w", err)
		}
		res.Affected++
	}

	if res.Message == "" {
		res.Message = fmt.Sprintf("delivered %d of %d due %s notifications", res.Affected, res.Processed, channel)
	}
	return res, nil
}

// fail marks one item failed and keeps the batch going. A failure to record
// the failure is only logged; the item will surface again as due.
func (b *notifierBase) fail(ctx context.Context, res *Result, item *model.QueueItem, reason string) {
	res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", item.ID, reason))
	if err := b.st.MarkQueueFailed(ctx, item.ID, b.now().UTC(), reason); err != nil {
		b.log.Error("mark item failed", logx.String("item", item.ID), logx.Err(err))
	}
}

// truncate caps s at max characters, not bytes: SMS bodies carry emoji and
// a byte slice could split a rune.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func smsMaxLength(t *model.MessageTemplate) int {
	if t.MaxLength > 0 {
		return t.MaxLength
	}
	return 160
}

// --- email ---

type emailNotifier struct {
	notifierBase
	email transport.Email
}

func newEmailNotifier(st *store.Store, email transport.Email, log logx.Logger) *emailNotifier {
	return &emailNotifier{notifierBase: notifierBase{st: st, log: log, now: time.Now}, email: email}
}

func (j *emailNotifier) Kind() model.TemplateKind { return model.TemplateEmailNotifier }

func (j *emailNotifier) Description() string {
	return "Drain due email notifications from the queue and deliver them over SMTP."
}

func (j *emailNotifier) Params() []ParamSpec { return []ParamSpec{batchParam()} }

func (j *emailNotifier) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	if j.email == nil {
		return nil, errors.New("email transport is not configured")
	}
	return j.drain(ctx, model.ChannelEmail, params,
		func(_ context.Context, item *model.QueueItem, contact *model.Contact) string {
			if contact.Email == "" {
				return "recipient has no email address"
			}
			return ""
		},
		func(ctx context.Context, item *model.QueueItem, contact *model.Contact, subject, body string) (float64, error) {
			return 0, j.email.SendEmail(ctx, contact.Email, subject, body)
		})
}

// --- sms ---

// errCostCeiling is internal to the drain loop: it stops the batch without
// failing the execution.
var errCostCeiling = errors.New("sms daily cost ceiling reached")

type smsNotifier struct {
	notifierBase
	sms transport.SMS
	cfg config.SMSConfig
}

func newSMSNotifier(st *store.Store, sms transport.SMS, cfg config.SMSConfig, log logx.Logger) *smsNotifier {
	return &smsNotifier{notifierBase: notifierBase{st: st, log: log, now: time.Now}, sms: sms, cfg: cfg}
}

func (j *smsNotifier) Kind() model.TemplateKind { return model.TemplateSMSNotifier }

func (j *smsNotifier) Description() string {
	return "Drain due SMS notifications, applying cost controls and per-user SMS filters."
}

func (j *smsNotifier) Params() []ParamSpec { return []ParamSpec{batchParam()} }

func (j *smsNotifier) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	if j.sms == nil {
		return nil, errors.New("sms transport is not configured")
	}
	return j.drain(ctx, model.ChannelSMS, params, j.filter,
		func(ctx context.Context, item *model.QueueItem, contact *model.Contact, subject, body string) (float64, error) {
			cost := j.cfg.Cost()
			spent, err := j.st.DailyCost(ctx, model.ChannelSMS, j.dayStart())
			if err != nil {
				return 0, fmt.Errorf("daily cost: %w", err)
			}
			if spent+cost > j.cfg.CostLimit() {
				return 0, errCostCeiling
			}
			if err := j.sms.SendSMS(ctx, contact.Phone, body); err != nil {
				return 0, err
			}
			return cost, nil
		})
}

func (j *smsNotifier) dayStart() time.Time {
	now := j.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// filter applies the recipient's SMS optimization settings.
func (j *smsNotifier) filter(ctx context.Context, item *model.QueueItem, contact *model.Contact) string {
	if contact.Phone == "" {
		return "recipient has no phone number"
	}
	opt := j.smsOpt(ctx, item.Username)
	if opt.VerifiedUsersOnly && !contact.Verified {
		return "sms restricted to verified recipients"
	}
	if opt.MinimumMatchScore > 0 && contact.MatchScore < opt.MinimumMatchScore {
		return fmt.Sprintf("match score %.0f below sms minimum %.0f", contact.MatchScore, opt.MinimumMatchScore)
	}
	if opt.PriorityTriggersOnly && item.Priority != model.PriorityCritical && item.Priority != model.PriorityHigh {
		return "sms restricted to high-priority notifications"
	}
	return ""
}

func (j *smsNotifier) smsOpt(ctx context.Context, username string) model.SMSOptimization {
	p, err := j.st.GetPreferences(ctx, username)
	if err != nil {
		return model.DefaultPreferences(username).SMSOpt
	}
	return p.SMSOpt
}

// --- push ---

type pushNotifier struct {
	notifierBase
	push transport.Push
}

func newPushNotifier(st *store.Store, push transport.Push, log logx.Logger) *pushNotifier {
	return &pushNotifier{notifierBase: notifierBase{st: st, log: log, now: time.Now}, push: push}
}

func (j *pushNotifier) Kind() model.TemplateKind { return model.TemplatePushNotifier }

func (j *pushNotifier) Description() string {
	return "Drain due push notifications and deliver them to the recipient's linked chat."
}

func (j *pushNotifier) Params() []ParamSpec { return []ParamSpec{batchParam()} }

func (j *pushNotifier) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	if j.push == nil {
		return nil, errors.New("push transport is not configured")
	}
	return j.drain(ctx, model.ChannelPush, params,
		func(_ context.Context, item *model.QueueItem, contact *model.Contact) string {
			if contact.PushChatID == 0 {
				return "recipient has no linked chat"
			}
			return ""
		},
		func(ctx context.Context, item *model.QueueItem, contact *model.Contact, subject, body string) (float64, error) {
			msg := body
			if subject != "" {
				msg = subject + "\n" + body
			}
			return 0, j.push.SendPush(ctx, contact.PushChatID, msg)
		})
}
