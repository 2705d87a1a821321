// Package cache caches the assembled period reports. Report assembly
// re-reads every closed session, so the result is kept until a session
// close invalidates it or the TTL expires.
package cache

import (
	"context"

	"donaarepa/backend/internal/domain"
)

// ReportCache is best-effort: a miss or a backend fault both read as
// "not cached" and the caller recomputes.
type ReportCache interface {
	GetReport(ctx context.Context) (domain.ReportResponse, bool)
	SetReport(ctx context.Context, r domain.ReportResponse)
	Invalidate(ctx context.Context)
}

// Noop disables caching. Used when no Redis address is configured and in
// tests.
type Noop struct{}

func (Noop) GetReport(context.Context) (domain.ReportResponse, bool) {
	return domain.ReportResponse{}, false
}

func (Noop) SetReport(context.Context, domain.ReportResponse) {}

func (Noop) Invalidate(context.Context) {}
