package report

import (
	"testing"
	"time"

	"donaarepa/backend/internal/domain"
)

func closedSession(id string, opened, closed time.Time) domain.CashSession {
	return domain.CashSession{
		ID:       id,
		Status:   domain.SessionStatusClosed,
		OpenedAt: opened,
		ClosedAt: &closed,
	}
}

func paidSale(total int64, methodID, methodName string, isCash bool) domain.Sale {
	return domain.Sale{
		Total: total,
		Payment: &domain.Payment{
			MethodID:   methodID,
			MethodName: methodName,
			IsCash:     isCash,
			Amount:     total,
		},
	}
}

func TestBuildSessionSeparatesManagementFromRevenue(t *testing.T) {
	opened := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	closed := opened.Add(8 * time.Hour)
	mgmt := domain.Sale{Total: 12000, IsManagement: true}

	l := domain.SessionLedger{
		Session: closedSession("s1", opened, closed),
		Sales: []domain.Sale{
			paidSale(30000, "pm-efectivo", "Efectivo", true),
			paidSale(18000, "pm-nequi", "Nequi", false),
			mgmt,
		},
		Expenses: []domain.CashExpense{
			{Amount: 5000, Note: "gas refill"},
		},
		Batches: []domain.IngredientBatch{
			{QtyInitial: 2000, UnitCost: 5.0},
			{QtyInitial: 1000, UnitCost: 6.0},
		},
	}

	r := BuildSession(l)
	if r.TotalReal != 48000 {
		t.Fatalf("totalReal = %d, want 48000", r.TotalReal)
	}
	if r.TotalMgmt != 12000 {
		t.Fatalf("totalMgmt = %d, want 12000", r.TotalMgmt)
	}
	if r.RealCount != 2 || r.MgmtCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", r.RealCount, r.MgmtCount)
	}
	if r.TotalExpenses != 5000 {
		t.Fatalf("expenses = %d, want 5000", r.TotalExpenses)
	}
	if r.Investment != 16000 {
		t.Fatalf("investment = %v, want 16000", r.Investment)
	}
	if r.Profit != 48000-5000-16000 {
		t.Fatalf("profit = %v, want %d", r.Profit, 48000-5000-16000)
	}
	// Cash minus drawer expenses, plus the non-cash settlements.
	if r.CashCheck != (30000-5000)+18000 {
		t.Fatalf("cashCheck = %d, want 43000", r.CashCheck)
	}
	if mt := r.ByMethod["pm-efectivo"]; mt.Amount != 30000 || !mt.IsCash || mt.Name != "Efectivo" {
		t.Fatalf("Efectivo = %+v", mt)
	}
	if mt := r.ByMethod["pm-nequi"]; mt.Amount != 18000 || mt.IsCash {
		t.Fatalf("Nequi = %+v", mt)
	}
}

func TestBuildSessionGroupsMethodsByID(t *testing.T) {
	opened := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	closed := opened.Add(8 * time.Hour)

	// Two distinct methods sharing a display name stay separate.
	l := domain.SessionLedger{
		Session: closedSession("s1", opened, closed),
		Sales: []domain.Sale{
			paidSale(10000, "pm-nequi", "Transferencia", false),
			paidSale(7000, "pm-llave", "Transferencia", false),
		},
	}

	r := BuildSession(l)
	if len(r.ByMethod) != 2 {
		t.Fatalf("methods = %d, want 2: %+v", len(r.ByMethod), r.ByMethod)
	}
	if mt := r.ByMethod["pm-nequi"]; mt.Amount != 10000 || mt.MethodID != "pm-nequi" {
		t.Fatalf("pm-nequi = %+v", mt)
	}
	if mt := r.ByMethod["pm-llave"]; mt.Amount != 7000 {
		t.Fatalf("pm-llave = %+v", mt)
	}
}

func TestBuildGroupsByISOWeekAndMonth(t *testing.T) {
	// Sunday and the following Monday fall in different ISO weeks.
	sun := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	mon := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

	ledgers := []domain.SessionLedger{
		{
			Session: closedSession("s1", sun.Add(-8*time.Hour), sun),
			Sales:   []domain.Sale{paidSale(10000, "pm-efectivo", "Efectivo", true)},
		},
		{
			Session: closedSession("s2", mon.Add(-8*time.Hour), mon),
			Sales:   []domain.Sale{paidSale(20000, "pm-efectivo", "Efectivo", true)},
		},
	}

	got := Build(ledgers)
	if len(got.Weekly) != 2 {
		t.Fatalf("weekly buckets = %d, want 2", len(got.Weekly))
	}
	if len(got.Monthly) != 1 {
		t.Fatalf("monthly buckets = %d, want 1", len(got.Monthly))
	}
	if got.Monthly[0].Key != "2026-03" {
		t.Fatalf("monthly key = %q", got.Monthly[0].Key)
	}
	if got.Monthly[0].TotalReal != 30000 {
		t.Fatalf("monthly totalReal = %d, want 30000", got.Monthly[0].TotalReal)
	}
	if mt := got.Monthly[0].ByMethod["pm-efectivo"]; mt.Amount != 30000 || mt.Name != "Efectivo" {
		t.Fatalf("monthly Efectivo = %+v", mt)
	}
	// Newest period first.
	if !got.Weekly[0].Start.After(got.Weekly[1].Start) {
		t.Fatalf("weekly buckets not newest-first: %v then %v", got.Weekly[0].Start, got.Weekly[1].Start)
	}
	if got.Weekly[0].Key != "2026-W10" || got.Weekly[1].Key != "2026-W09" {
		t.Fatalf("weekly keys = %q, %q", got.Weekly[0].Key, got.Weekly[1].Key)
	}
	if got.Weekly[0].Start.Weekday() != time.Monday {
		t.Fatalf("week start = %v, want Monday", got.Weekly[0].Start.Weekday())
	}
}

func TestBuildSkipsOpenSessions(t *testing.T) {
	open := domain.SessionLedger{
		Session: domain.CashSession{ID: "s-open", Status: domain.SessionStatusOpen, OpenedAt: time.Now()},
		Sales:   []domain.Sale{paidSale(9000, "pm-efectivo", "Efectivo", true)},
	}
	got := Build([]domain.SessionLedger{open})
	if len(got.Weekly) != 0 || len(got.Monthly) != 0 {
		t.Fatalf("open session leaked into report: %+v", got)
	}
}

func TestBuildCurrentExcludesManagementSales(t *testing.T) {
	s := domain.CashSession{ID: "s1", Status: domain.SessionStatusOpen, OpenedAt: time.Now()}
	sales := []domain.Sale{
		paidSale(15000, "pm-efectivo", "Efectivo", true),
		{Total: 8000, IsManagement: true},
	}

	cur := BuildCurrent(s, sales)
	if cur.TotalSold != 15000 || cur.Count != 1 {
		t.Fatalf("current = %d/%d, want 15000/1", cur.TotalSold, cur.Count)
	}
	if cur.ByMethod["pm-efectivo"] != 15000 {
		t.Fatalf("byMethod = %v", cur.ByMethod)
	}
}
