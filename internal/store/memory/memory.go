// Package memory implements store.Repository with in-process maps. It
// backs tests and toolchain-free local runs; semantics mirror the
// postgres store including the batch ledger rules.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/ledger"
	"donaarepa/backend/internal/store"
	"donaarepa/backend/internal/xid"
)

type ingredientRec struct {
	ing     domain.Ingredient
	product *domain.IngredientProduct
	batches []*domain.IngredientBatch
}

// Store is a mutex-guarded Repository. Every mutating call validates
// before it touches state, so a returned error leaves the store
// unchanged.
type Store struct {
	mu          sync.RWMutex
	mergeWindow time.Duration
	now         func() time.Time

	users       map[string]domain.UserAccount
	ingredients map[string]*ingredientRec
	dishes      map[string]*domain.Dish
	methods     []domain.PaymentMethod
	sessions    []*domain.CashSession
	sales       map[string][]*domain.Sale
	salesByID   map[string]*domain.Sale
	expenses    map[string][]domain.CashExpense
	batchSeq    int64
}

// New returns an empty store with the given batch merge window.
func New(mergeWindow time.Duration) *Store {
	return &Store{
		mergeWindow: mergeWindow,
		now:         time.Now,
		users:       map[string]domain.UserAccount{},
		ingredients: map[string]*ingredientRec{},
		dishes:      map[string]*domain.Dish{},
		sales:       map[string][]*domain.Sale{},
		salesByID:   map[string]*domain.Sale{},
		expenses:    map[string][]domain.CashExpense{},
	}
}

// NewSeeded returns a store preloaded with the standard payment methods.
func NewSeeded(mergeWindow time.Duration) *Store {
	s := New(mergeWindow)
	s.methods = []domain.PaymentMethod{
		{ID: "pm-efectivo", Name: "Efectivo", IsCash: true, Enabled: true},
		{ID: "pm-nequi", Name: "Nequi", Enabled: true},
		{ID: "pm-tarjeta", Name: "Tarjeta", Enabled: true},
		{ID: "pm-llave", Name: "Llave", Enabled: true},
	}
	return s
}

// WithClock overrides the time source. Tests use it to age batches past
// the merge window.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) GetUser(_ context.Context, username string) (domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) EnsureUser(_ context.Context, u domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.Username] = u
	return nil
}

func (s *Store) ListIngredients(_ context.Context) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Ingredient, 0, len(s.ingredients))
	for _, rec := range s.ingredients {
		out = append(out, cloneIngredient(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetIngredient(_ context.Context, id string) (domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ingredients[id]
	if !ok {
		return domain.Ingredient{}, store.ErrNotFound
	}
	return cloneIngredient(rec), nil
}

func (s *Store) CreateIngredient(_ context.Context, ing domain.Ingredient) (domain.Ingredient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(ing.Name, "") {
		return domain.Ingredient{}, store.ErrInUse
	}
	if ing.ID == "" {
		ing.ID = xid.New("ing")
	}
	rec := &ingredientRec{ing: domain.Ingredient{
		ID:    ing.ID,
		Name:  ing.Name,
		Unit:  ing.Unit,
		Stock: ledger.Round6(ing.Stock),
	}}
	if rec.ing.Stock > 0 {
		// Opening stock predates any product config, so its cost basis
		// is zero.
		s.batchSeq++
		rec.batches = append(rec.batches, &domain.IngredientBatch{
			ID:           xid.New("bat"),
			IngredientID: rec.ing.ID,
			Seq:          s.batchSeq,
			QtyInitial:   rec.ing.Stock,
			QtyRemaining: rec.ing.Stock,
			CreatedAt:    s.now(),
		})
	}
	s.ingredients[rec.ing.ID] = rec
	return cloneIngredient(rec), nil
}

func (s *Store) CorrectIngredient(_ context.Context, req domain.IngredientCorrectRequest) (domain.Ingredient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ingredients[req.ID]
	if !ok {
		return domain.Ingredient{}, store.ErrNotFound
	}
	if s.nameTakenLocked(req.Name, req.ID) {
		return domain.Ingredient{}, store.ErrInUse
	}
	rec.ing.Name = req.Name
	rec.ing.Unit = req.Unit

	// The diff is taken against the batch remainders, not the cached
	// stock, so a correction also absorbs any drift between the two.
	target := ledger.Round6(req.Stock)
	diff := ledger.Round6(target - ledger.StockOf(rec.batches))
	switch {
	case diff > 0:
		var cost float64
		if rec.product != nil {
			cost = ledger.UnitCost(rec.product.PackPrice, rec.product.PackQty)
		}
		s.batchSeq++
		rec.batches = append(rec.batches, &domain.IngredientBatch{
			ID:           xid.New("bat"),
			IngredientID: rec.ing.ID,
			Seq:          s.batchSeq,
			QtyInitial:   diff,
			QtyRemaining: diff,
			UnitCost:     cost,
			CreatedAt:    s.now(),
		})
	case diff < 0:
		ledger.Trim(rec.batches, -diff)
	}
	rec.ing.Stock = target
	return cloneIngredient(rec), nil
}

func (s *Store) nameTakenLocked(name, exceptID string) bool {
	for id, rec := range s.ingredients {
		if id != exceptID && rec.ing.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) DeleteIngredient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ingredients[id]; !ok {
		return store.ErrNotFound
	}
	for _, d := range s.dishes {
		for _, ri := range d.Recipe {
			if ri.IngredientID == id {
				return store.ErrInUse
			}
		}
	}
	delete(s.ingredients, id)
	return nil
}

func (s *Store) SetProduct(_ context.Context, p domain.IngredientProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ingredients[p.IngredientID]
	if !ok {
		return store.ErrNotFound
	}
	cp := p
	rec.product = &cp
	return nil
}

func (s *Store) DepositBatch(_ context.Context, ingredientID string, qty, unitCost float64) (domain.Ingredient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ingredients[ingredientID]
	if !ok {
		return domain.Ingredient{}, store.ErrNotFound
	}
	qty = ledger.Round6(qty)
	now := s.now()
	if idx := ledger.FindMergeTarget(rec.batches, unitCost, now, s.mergeWindow); idx >= 0 {
		b := rec.batches[idx]
		b.QtyInitial = ledger.Round6(b.QtyInitial + qty)
		b.QtyRemaining = ledger.Round6(b.QtyRemaining + qty)
	} else {
		s.batchSeq++
		rec.batches = append(rec.batches, &domain.IngredientBatch{
			ID:           xid.New("bat"),
			IngredientID: ingredientID,
			Seq:          s.batchSeq,
			QtyInitial:   qty,
			QtyRemaining: qty,
			UnitCost:     unitCost,
			CreatedAt:    now,
		})
	}
	rec.ing.Stock = ledger.Round6(rec.ing.Stock + qty)
	return cloneIngredient(rec), nil
}

func (s *Store) ListDishes(_ context.Context) ([]domain.Dish, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Dish, 0, len(s.dishes))
	for _, d := range s.dishes {
		out = append(out, cloneDish(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetDish(_ context.Context, id string) (domain.Dish, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dishes[id]
	if !ok {
		return domain.Dish{}, store.ErrNotFound
	}
	return cloneDish(d), nil
}

func (s *Store) GetDishes(_ context.Context, ids []string) (map[string]domain.Dish, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Dish, len(ids))
	for _, id := range ids {
		if d, ok := s.dishes[id]; ok {
			out[id] = cloneDish(d)
		}
	}
	return out, nil
}

func (s *Store) CreateDish(_ context.Context, d domain.Dish) (domain.Dish, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRecipeLocked(d.Recipe); err != nil {
		return domain.Dish{}, err
	}
	if d.ID == "" {
		d.ID = xid.New("dish")
	}
	for i := range d.Recipe {
		d.Recipe[i].DishID = d.ID
	}
	cp := cloneDish(&d)
	s.dishes[d.ID] = &cp
	return cloneDish(&cp), nil
}

func (s *Store) UpdateDish(_ context.Context, d domain.Dish) (domain.Dish, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.dishes[d.ID]
	if !ok {
		return domain.Dish{}, store.ErrNotFound
	}
	if err := s.checkRecipeLocked(d.Recipe); err != nil {
		return domain.Dish{}, err
	}
	cur.Name = d.Name
	cur.Price = d.Price
	cur.Category = d.Category
	cur.Enabled = d.Enabled
	// Recipe rows are replaced wholesale, not patched.
	cur.Recipe = nil
	for _, ri := range d.Recipe {
		ri.DishID = d.ID
		cur.Recipe = append(cur.Recipe, ri)
	}
	return cloneDish(cur), nil
}

func (s *Store) DeleteDish(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dishes[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.dishes, id)
	return nil
}

func (s *Store) checkRecipeLocked(recipe []domain.RecipeItem) error {
	for _, ri := range recipe {
		if _, ok := s.ingredients[ri.IngredientID]; !ok {
			return store.ErrInvalidInput
		}
	}
	return nil
}

func (s *Store) ListPaymentMethods(_ context.Context) ([]domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PaymentMethod, 0, len(s.methods))
	for _, m := range s.methods {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsCash != out[j].IsCash {
			return out[i].IsCash
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) GetPaymentMethod(_ context.Context, id string) (domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.methods {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.PaymentMethod{}, store.ErrNotFound
}

func (s *Store) OpenSession(_ context.Context, baseCash int64) (domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openSessionLocked() != nil {
		return domain.CashSession{}, store.ErrInUse
	}
	sess := &domain.CashSession{
		ID:       xid.New("ses"),
		Status:   domain.SessionStatusOpen,
		BaseCash: baseCash,
		OpenedAt: s.now(),
	}
	s.sessions = append(s.sessions, sess)
	return *sess, nil
}

func (s *Store) CloseSession(_ context.Context) (domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.openSessionLocked()
	if sess == nil {
		return domain.CashSession{}, store.ErrNotFound
	}
	closed := s.now()
	sess.Status = domain.SessionStatusClosed
	sess.ClosedAt = &closed
	return *sess, nil
}

func (s *Store) GetOpenSession(_ context.Context) (domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.openSessionLocked()
	if sess == nil {
		return domain.CashSession{}, store.ErrNotFound
	}
	return *sess, nil
}

func (s *Store) AddExpense(_ context.Context, e domain.CashExpense) (domain.CashExpense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.openSessionLocked()
	if sess == nil {
		return domain.CashExpense{}, store.ErrSessionClosed
	}
	e.ID = xid.New("exp")
	e.SessionID = sess.ID
	e.CreatedAt = s.now()
	s.expenses[sess.ID] = append(s.expenses[sess.ID], e)
	return e, nil
}

func (s *Store) ListSessionSales(_ context.Context, sessionID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.sales[sessionID]
	out := make([]domain.Sale, 0, len(recs))
	for _, sale := range recs {
		out = append(out, cloneSale(sale))
	}
	return out, nil
}

func (s *Store) ListClosedSessionLedgers(_ context.Context) ([]domain.SessionLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SessionLedger
	for _, sess := range s.sessions {
		if sess.Status != domain.SessionStatusClosed || sess.ClosedAt == nil {
			continue
		}
		l := domain.SessionLedger{Session: *sess}
		for _, sale := range s.sales[sess.ID] {
			l.Sales = append(l.Sales, cloneSale(sale))
		}
		l.Expenses = append(l.Expenses, s.expenses[sess.ID]...)
		for _, rec := range s.ingredients {
			for _, b := range rec.batches {
				if !b.CreatedAt.Before(sess.OpenedAt) && !b.CreatedAt.After(*sess.ClosedAt) {
					l.Batches = append(l.Batches, *b)
				}
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, consumption map[string]float64) (domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.openSessionLocked()
	if sess == nil || sess.ID != sale.SessionID {
		return domain.Sale{}, store.ErrSessionClosed
	}
	// Validate everything before the first mutation.
	for ingID := range consumption {
		if _, ok := s.ingredients[ingID]; !ok {
			return domain.Sale{}, store.ErrNotFound
		}
	}

	// Stock is decremented unconditionally and may go negative when the
	// ledger and the batch history have drifted.
	for ingID, qty := range consumption {
		rec := s.ingredients[ingID]
		ledger.Consume(rec.batches, qty)
		rec.ing.Stock = ledger.Round6(rec.ing.Stock - qty)
	}

	sale.ID = xid.New("sale")
	sale.TicketNo = len(s.sales[sess.ID]) + 1
	sale.CreatedAt = s.now()
	cp := cloneSale(&sale)
	s.sales[sess.ID] = append(s.sales[sess.ID], &cp)
	s.salesByID[cp.ID] = &cp
	return cloneSale(&cp), nil
}

func (s *Store) GetSale(_ context.Context, id string) (domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[id]
	if !ok {
		return domain.Sale{}, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Sale
	// Newest first: sessions are appended in open order, sales in ticket
	// order.
	for i := len(s.sessions) - 1; i >= 0; i-- {
		recs := s.sales[s.sessions[i].ID]
		for j := len(recs) - 1; j >= 0; j-- {
			out = append(out, cloneSale(recs[j]))
		}
	}
	return out, nil
}

func (s *Store) ListSessions(_ context.Context) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CashSession, 0, len(s.sessions))
	for i := len(s.sessions) - 1; i >= 0; i-- {
		out = append(out, *s.sessions[i])
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) openSessionLocked() *domain.CashSession {
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if s.sessions[i].Status == domain.SessionStatusOpen {
			return s.sessions[i]
		}
	}
	return nil
}

func cloneIngredient(rec *ingredientRec) domain.Ingredient {
	out := rec.ing
	if rec.product != nil {
		p := *rec.product
		out.Product = &p
	}
	batches := make([]*domain.IngredientBatch, len(rec.batches))
	copy(batches, rec.batches)
	ledger.SortOldestFirst(batches)
	for _, b := range batches {
		out.Batches = append(out.Batches, *b)
	}
	return out
}

func cloneDish(d *domain.Dish) domain.Dish {
	out := *d
	out.Recipe = make([]domain.RecipeItem, len(d.Recipe))
	copy(out.Recipe, d.Recipe)
	return out
}

func cloneSale(sale *domain.Sale) domain.Sale {
	out := *sale
	out.Items = make([]domain.SaleItem, len(sale.Items))
	copy(out.Items, sale.Items)
	if sale.Payment != nil {
		p := *sale.Payment
		out.Payment = &p
	}
	return out
}
