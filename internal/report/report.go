// Package report turns closed-session ledgers into per-session, weekly
// and monthly accounting summaries. Everything here is pure; the store
// supplies the read model.
package report

import (
	"fmt"
	"sort"
	"time"

	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/ledger"
)

// BuildSession computes the summary of one closed session. Investment is
// the value of batch inflows created inside the session window: it stands
// in for COGS without tracing per-sale batch consumption.
func BuildSession(l domain.SessionLedger) domain.SessionReport {
	r := domain.SessionReport{
		ID:       l.Session.ID,
		OpenedAt: l.Session.OpenedAt,
		BaseCash: l.Session.BaseCash,
		ByMethod: map[string]domain.MethodTotal{},
	}
	if l.Session.ClosedAt != nil {
		r.ClosedAt = *l.Session.ClosedAt
	}

	var cash int64
	for _, s := range l.Sales {
		if s.IsManagement {
			r.TotalMgmt += s.Total
			r.MgmtCount++
			continue
		}
		r.TotalReal += s.Total
		r.RealCount++
		if s.Payment == nil {
			continue
		}
		// Grouped by method id; display names are not guaranteed unique.
		mt := r.ByMethod[s.Payment.MethodID]
		mt.MethodID = s.Payment.MethodID
		mt.Name = s.Payment.MethodName
		mt.IsCash = s.Payment.IsCash
		mt.Amount += s.Payment.Amount
		r.ByMethod[s.Payment.MethodID] = mt
		if s.Payment.IsCash {
			cash += s.Payment.Amount
		}
	}

	for _, e := range l.Expenses {
		r.TotalExpenses += e.Amount
	}
	for _, b := range l.Batches {
		r.Investment += b.QtyInitial * b.UnitCost
	}
	r.Investment = ledger.Round6(r.Investment)
	r.Profit = ledger.Round6(float64(r.TotalReal-r.TotalExpenses) - r.Investment)
	// Till-balancing check: expenses are assumed paid out of the cash
	// drawer, non-cash methods settle in full.
	r.CashCheck = (cash - r.TotalExpenses) + (r.TotalReal - cash)
	return r
}

// Build groups the closed sessions into weekly (ISO week, Monday start)
// and monthly buckets, newest period first.
func Build(ledgers []domain.SessionLedger) domain.ReportResponse {
	weekly := map[string]*domain.PeriodReport{}
	monthly := map[string]*domain.PeriodReport{}

	for _, l := range ledgers {
		if l.Session.ClosedAt == nil {
			continue
		}
		sr := BuildSession(l)
		at := sr.ClosedAt

		wk, wstart := weekKey(at)
		addToPeriod(weekly, wk, wstart, sr)

		mk := at.Format("2006-01")
		mstart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
		addToPeriod(monthly, mk, mstart, sr)
	}

	return domain.ReportResponse{
		Weekly:  flatten(weekly),
		Monthly: flatten(monthly),
	}
}

// BuildCurrent computes the live till view of the open session.
func BuildCurrent(s domain.CashSession, sales []domain.Sale) domain.SessionCashSummary {
	out := domain.SessionCashSummary{
		ID:       s.ID,
		OpenedAt: s.OpenedAt,
		ByMethod: map[string]int64{},
	}
	for _, sale := range sales {
		if sale.IsManagement {
			continue
		}
		out.TotalSold += sale.Total
		out.Count++
		if sale.Payment != nil {
			out.ByMethod[sale.Payment.MethodID] += sale.Payment.Amount
		}
	}
	return out
}

func weekKey(at time.Time) (string, time.Time) {
	year, week := at.ISOWeek()
	// Walk back to Monday of the ISO week.
	start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	for start.Weekday() != time.Monday {
		start = start.AddDate(0, 0, -1)
	}
	return fmt.Sprintf("%d-W%02d", year, week), start
}

func addToPeriod(periods map[string]*domain.PeriodReport, key string, start time.Time, sr domain.SessionReport) {
	p, ok := periods[key]
	if !ok {
		p = &domain.PeriodReport{
			Key:      key,
			Start:    start,
			ByMethod: map[string]domain.MethodTotal{},
		}
		periods[key] = p
	}
	p.Sessions = append(p.Sessions, sr)
	p.TotalReal += sr.TotalReal
	p.TotalMgmt += sr.TotalMgmt
	p.TotalExpenses += sr.TotalExpenses
	p.Investment = ledger.Round6(p.Investment + sr.Investment)
	p.Profit = ledger.Round6(p.Profit + sr.Profit)
	for id, mt := range sr.ByMethod {
		agg := p.ByMethod[id]
		agg.MethodID = mt.MethodID
		agg.Name = mt.Name
		agg.IsCash = mt.IsCash
		agg.Amount += mt.Amount
		p.ByMethod[id] = agg
	}
}

func flatten(periods map[string]*domain.PeriodReport) []domain.PeriodReport {
	out := make([]domain.PeriodReport, 0, len(periods))
	for _, p := range periods {
		sort.Slice(p.Sessions, func(i, j int) bool {
			return p.Sessions[i].ClosedAt.After(p.Sessions[j].ClosedAt)
		})
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	return out
}
