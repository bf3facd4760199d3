// Package authz decides whether a requester may scan a target.
//
// Every decision, positive or negative, is written to an audit sink before
// it is returned. A failing audit sink fails the request.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msfrecon/recond/internal/model"
)

type Gate struct {
	rules   *AllowList
	audit   model.AuditSink
	limiter *Limiter
	now     func() time.Time
}

// NewGate returns a gate. limiter may be nil to disable rate limiting.
func NewGate(rules *AllowList, audit model.AuditSink, limiter *Limiter) *Gate {
	return &Gate{
		rules:   rules,
		audit:   audit,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Admit consumes a rate limit token for client.
func (g *Gate) Admit(ctx context.Context, client string) error {
	if g.limiter == nil || g.limiter.Allow(client) {
		return nil
	}
	slog.WarnContext(ctx, "rate limit exceeded", "client", client)
	return fmt.Errorf("%w: client %q", model.ErrRateLimited, client)
}

// Authorize parses raw and checks it against the allow-list. It returns
// a target with Authorized set, or ErrInvalidFormat / ErrNotAuthorized.
func (g *Gate) Authorize(ctx context.Context, raw, requester string) (model.Target, error) {
	rec := model.AuditRecord{
		Timestamp: g.now(),
		Requester: requester,
		Target:    raw,
		Decision:  model.DecisionRejected,
	}

	target, err := ParseTarget(raw)
	if err != nil {
		rec.Reason = "invalid-format"
		return model.Target{}, errors.Join(err, g.record(ctx, rec))
	}
	rec.Target = target.Value

	rule, ok := g.rules.Match(target)
	switch {
	case !ok:
		rec.Reason = "no-matching-rule"
	case !rule.Allow:
		rec.Reason = "denied"
		rec.Rule = rule.String()
	default:
		rec.Decision = model.DecisionAccepted
		rec.Reason = "allowed"
		rec.Rule = rule.String()
	}

	if err := g.record(ctx, rec); err != nil {
		return model.Target{}, err
	}
	if rec.Decision != model.DecisionAccepted {
		slog.WarnContext(ctx, "target rejected", "target", target.Value, "requester", requester, "reason", rec.Reason)
		return model.Target{}, fmt.Errorf("%w: %s", model.ErrNotAuthorized, target.Value)
	}
	target.Authorized = true
	return target, nil
}

func (g *Gate) record(ctx context.Context, rec model.AuditRecord) error {
	if g.audit == nil {
		return nil
	}
	if err := g.audit.AppendAudit(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "writing audit record", "error", err)
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}
