package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
)

// Options carries the ambient dependencies shared by every service.
type Options struct {
	Logger *slog.Logger
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// auditor appends best-effort audit entries. A failed append is logged and
// never reported to the caller.
type auditor struct {
	store  store.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

func (a auditor) record(ctx context.Context, e domain.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now().UTC()
	}
	if err := a.store.AppendAudit(context.WithoutCancel(ctx), &e); err != nil {
		auditFailures.Inc()
		a.logger.Warn("audit append failed",
			"account_id", e.AccountID, "kind", e.Kind, "outcome", e.Outcome, "err", err)
	}
}
