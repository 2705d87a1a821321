// Package service implements the business rules on top of the
// repository: ingredient ledger operations, dish management, the sale
// transaction and report assembly.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"donaarepa/backend/internal/cache"
	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/ledger"
	"donaarepa/backend/internal/report"
	"donaarepa/backend/internal/store"
)

// ErrForbidden signals an authenticated caller lacking the role an
// operation requires.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

// WithActor attaches the authenticated caller to the context.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, a)
}

// ActorFromContext returns the authenticated caller, if any.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return a, ok
}

type Service struct {
	repo        store.Repository
	reports     cache.ReportCache
	log         *logrus.Logger
	saleTimeout time.Duration
}

func New(repo store.Repository, reports cache.ReportCache, log *logrus.Logger, saleTimeout time.Duration) *Service {
	return &Service{repo: repo, reports: reports, log: log, saleTimeout: saleTimeout}
}

func (s *Service) requireAdmin(ctx context.Context) error {
	a, ok := ActorFromContext(ctx)
	if !ok || a.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}

func (s *Service) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	return s.repo.ListIngredients(ctx)
}

func (s *Service) GetIngredient(ctx context.Context, id string) (domain.Ingredient, error) {
	return s.repo.GetIngredient(ctx, id)
}

func (s *Service) CreateIngredient(ctx context.Context, req domain.IngredientCreateRequest) (domain.Ingredient, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Ingredient{}, err
	}
	name := strings.TrimSpace(req.Name)
	unit := strings.TrimSpace(req.Unit)
	if name == "" || unit == "" || req.Stock < 0 {
		return domain.Ingredient{}, store.ErrInvalidInput
	}
	return s.repo.CreateIngredient(ctx, domain.Ingredient{
		Name:  name,
		Unit:  unit,
		Stock: req.Stock,
	})
}

// CorrectIngredient overwrites the stock level. An increase becomes a new
// batch at the current unit cost; a decrease trims batches newest-first.
func (s *Service) CorrectIngredient(ctx context.Context, req domain.IngredientCorrectRequest) (domain.Ingredient, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Ingredient{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.ID == "" || req.Name == "" || req.Unit == "" || req.Stock < 0 {
		return domain.Ingredient{}, store.ErrInvalidInput
	}
	return s.repo.CorrectIngredient(ctx, req)
}

func (s *Service) DeleteIngredient(ctx context.Context, id string) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteIngredient(ctx, id)
}

// ConfigureProduct sets the purchase pack for an ingredient. The price is
// truncated to whole currency units before storage.
func (s *Service) ConfigureProduct(ctx context.Context, req domain.ProductConfigRequest) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	if req.IngredientID == "" || req.PackPrice < 0 || req.PackQty <= 0 {
		return store.ErrInvalidInput
	}
	return s.repo.SetProduct(ctx, domain.IngredientProduct{
		IngredientID: req.IngredientID,
		PackPrice:    int64(req.PackPrice),
		PackQty:      req.PackQty,
	})
}

// CurrentUnitCost derives the configured per-unit cost for an
// ingredient.
func (s *Service) CurrentUnitCost(ctx context.Context, ingredientID string) (float64, error) {
	ing, err := s.repo.GetIngredient(ctx, ingredientID)
	if err != nil {
		return 0, err
	}
	if ing.Product == nil || ing.Product.PackQty <= 0 {
		return 0, store.ErrUnconfigured
	}
	return ledger.UnitCost(ing.Product.PackPrice, ing.Product.PackQty), nil
}

// Restock deposits units at the ingredient's current unit cost. Deposits
// at the same cost inside the merge window fold into the existing batch;
// a cost change always opens a new batch.
func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (domain.Ingredient, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Ingredient{}, err
	}
	if req.ID == "" || req.Amount <= 0 {
		return domain.Ingredient{}, store.ErrInvalidInput
	}
	cost, err := s.CurrentUnitCost(ctx, req.ID)
	if err != nil {
		return domain.Ingredient{}, err
	}
	return s.repo.DepositBatch(ctx, req.ID, req.Amount, cost)
}

func (s *Service) ListDishes(ctx context.Context) ([]domain.Dish, error) {
	return s.repo.ListDishes(ctx)
}

func (s *Service) CreateDish(ctx context.Context, req domain.DishCreateRequest) (domain.Dish, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Dish{}, err
	}
	d, err := dishFromRequest("", req.Name, req.Price, req.Category, true, req.Recipe)
	if err != nil {
		return domain.Dish{}, err
	}
	return s.repo.CreateDish(ctx, d)
}

func (s *Service) UpdateDish(ctx context.Context, req domain.DishUpdateRequest) (domain.Dish, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Dish{}, err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	d, err := dishFromRequest(req.ID, req.Name, req.Price, req.Category, enabled, req.Recipe)
	if err != nil {
		return domain.Dish{}, err
	}
	if d.ID == "" {
		return domain.Dish{}, store.ErrInvalidInput
	}
	return s.repo.UpdateDish(ctx, d)
}

func (s *Service) DeleteDish(ctx context.Context, id string) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteDish(ctx, id)
}

func dishFromRequest(id, name string, price int64, category string, enabled bool, recipe []domain.RecipeItemRequest) (domain.Dish, error) {
	name = strings.TrimSpace(name)
	if name == "" || price <= 0 {
		return domain.Dish{}, store.ErrInvalidInput
	}
	switch category {
	case domain.DishCategoryStarter, domain.DishCategoryMain, domain.DishCategoryDrink:
	default:
		return domain.Dish{}, store.ErrInvalidInput
	}
	d := domain.Dish{ID: id, Name: name, Price: price, Category: category, Enabled: enabled}
	seen := map[string]bool{}
	for _, ri := range recipe {
		if ri.IngredientID == "" || ri.Qty <= 0 || seen[ri.IngredientID] {
			return domain.Dish{}, store.ErrInvalidInput
		}
		seen[ri.IngredientID] = true
		d.Recipe = append(d.Recipe, domain.RecipeItem{
			DishID:       id,
			IngredientID: ri.IngredientID,
			Qty:          ri.Qty,
		})
	}
	return d, nil
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx)
}

// CreateSale records an order atomically: ticket number, items at the
// current price, the payment row and the FIFO inventory withdrawal all
// land together or not at all.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleCreateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.saleTimeout)
	defer cancel()

	if len(req.Items) == 0 {
		return domain.SaleCreateResponse{}, store.ErrInvalidInput
	}
	sess, err := s.repo.GetOpenSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleCreateResponse{}, store.ErrSessionClosed
		}
		return domain.SaleCreateResponse{}, err
	}

	dishIDs := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		if line.Qty <= 0 || line.DishID == "" {
			return domain.SaleCreateResponse{}, store.ErrInvalidInput
		}
		dishIDs = append(dishIDs, line.DishID)
	}
	dishes, err := s.repo.GetDishes(ctx, dishIDs)
	if err != nil {
		return domain.SaleCreateResponse{}, err
	}

	sale := domain.Sale{SessionID: sess.ID, IsManagement: req.IsManagement}
	consumption := map[string]float64{}
	// Repeated lines for the same dish fold into one item.
	itemIdx := map[string]int{}
	for _, line := range req.Items {
		dish, ok := dishes[line.DishID]
		if !ok {
			return domain.SaleCreateResponse{}, store.ErrNotFound
		}
		if !dish.Enabled {
			return domain.SaleCreateResponse{}, store.ErrInvalidInput
		}
		if i, ok := itemIdx[dish.ID]; ok {
			sale.Items[i].Qty += line.Qty
		} else {
			itemIdx[dish.ID] = len(sale.Items)
			sale.Items = append(sale.Items, domain.SaleItem{
				DishID:   dish.ID,
				DishName: dish.Name,
				Qty:      line.Qty,
				Price:    dish.Price,
			})
		}
		sale.Total += dish.Price * int64(line.Qty)
		for _, ri := range dish.Recipe {
			consumption[ri.IngredientID] = ledger.Round6(
				consumption[ri.IngredientID] + ri.Qty*float64(line.Qty))
		}
	}

	if !req.IsManagement {
		payment, err := s.buildPayment(ctx, req.Payment, sale.Total)
		if err != nil {
			return domain.SaleCreateResponse{}, err
		}
		sale.Payment = payment
	}

	created, err := s.repo.CreateSale(ctx, sale, consumption)
	if err != nil {
		return domain.SaleCreateResponse{}, err
	}
	s.log.WithFields(logrus.Fields{
		"sale_id":    created.ID,
		"ticket_no":  created.TicketNo,
		"total":      created.Total,
		"management": created.IsManagement,
	}).Info("sale recorded")
	return domain.SaleCreateResponse{SaleID: created.ID, TicketNo: created.TicketNo}, nil
}

func (s *Service) buildPayment(ctx context.Context, info *domain.PaymentInfo, total int64) (*domain.Payment, error) {
	if info == nil {
		return nil, store.ErrInvalidInput
	}
	method, err := s.repo.GetPaymentMethod(ctx, info.MethodID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	p := &domain.Payment{
		MethodID:   method.ID,
		MethodName: method.Name,
		IsCash:     method.IsCash,
		Amount:     total,
	}
	if method.IsCash && info.CashReceived != nil {
		received := *info.CashReceived
		if received < total {
			return nil, store.ErrInvalidInput
		}
		change := received - total
		p.CashReceived = &received
		p.ChangeGiven = &change
	}
	return p, nil
}

// GetSale returns receipt data for one sale.
func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

func (s *Service) ListSales(ctx context.Context) ([]domain.Sale, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx)
}

func (s *Service) ListSessions(ctx context.Context) ([]domain.CashSession, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx)
}

func (s *Service) OpenSession(ctx context.Context, baseCash int64) (domain.CashSession, error) {
	if baseCash < 0 {
		return domain.CashSession{}, store.ErrInvalidInput
	}
	sess, err := s.repo.OpenSession(ctx, baseCash)
	if err != nil {
		return domain.CashSession{}, err
	}
	s.log.WithField("session_id", sess.ID).Info("cash session opened")
	return sess, nil
}

// CloseSession closes the open session and drops the cached reports so
// the next report request sees the new session.
func (s *Service) CloseSession(ctx context.Context) (domain.CashSession, error) {
	sess, err := s.repo.CloseSession(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	s.reports.Invalidate(ctx)
	s.log.WithField("session_id", sess.ID).Info("cash session closed")
	return sess, nil
}

func (s *Service) AddExpense(ctx context.Context, amount int64, note string) (domain.CashExpense, error) {
	if amount <= 0 {
		return domain.CashExpense{}, store.ErrInvalidInput
	}
	return s.repo.AddExpense(ctx, domain.CashExpense{
		Amount: amount,
		Note:   strings.TrimSpace(note),
	})
}

// CurrentCashReport returns the live till summary, with a nil session
// when nothing is open.
func (s *Service) CurrentCashReport(ctx context.Context) (domain.CurrentCashReport, error) {
	sess, err := s.repo.GetOpenSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CurrentCashReport{}, nil
		}
		return domain.CurrentCashReport{}, err
	}
	sales, err := s.repo.ListSessionSales(ctx, sess.ID)
	if err != nil {
		return domain.CurrentCashReport{}, err
	}
	summary := report.BuildCurrent(sess, sales)
	return domain.CurrentCashReport{Session: &summary}, nil
}

// Reports assembles the weekly and monthly summaries from every closed
// session, serving from cache when a fresh copy exists.
func (s *Service) Reports(ctx context.Context) (domain.ReportResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.ReportResponse{}, err
	}
	if cached, ok := s.reports.GetReport(ctx); ok {
		return cached, nil
	}
	ledgers, err := s.repo.ListClosedSessionLedgers(ctx)
	if err != nil {
		return domain.ReportResponse{}, err
	}
	built := report.Build(ledgers)
	s.reports.SetReport(ctx, built)
	return built, nil
}
