package store

import (
	"context"
	"errors"

	"donaarepa/backend/internal/domain"
)

var (
	// ErrNotFound signals a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput signals a request that fails domain validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSessionClosed signals a sale or expense attempted with no open
	// cash session.
	ErrSessionClosed = errors.New("no open cash session")
	// ErrInUse signals a delete blocked by references, or an open session
	// conflicting with a second open.
	ErrInUse = errors.New("resource in use")
	// ErrUnconfigured signals a restock on an ingredient with no product
	// configuration to derive a unit cost from.
	ErrUnconfigured = errors.New("ingredient has no product configuration")
	// ErrTxFailure signals a storage transaction that could not commit.
	ErrTxFailure = errors.New("transaction failure")
)

// Repository is the persistence contract shared by the postgres and
// in-memory implementations. Mutating ledger operations are atomic:
// either every batch, stock and sale row lands or none do.
type Repository interface {
	// Users.
	GetUser(ctx context.Context, username string) (domain.UserAccount, error)
	EnsureUser(ctx context.Context, u domain.UserAccount) error

	// Ingredient ledger. Names are unique: CreateIngredient and
	// CorrectIngredient return ErrInUse on a name held by another
	// ingredient.
	ListIngredients(ctx context.Context) ([]domain.Ingredient, error)
	GetIngredient(ctx context.Context, id string) (domain.Ingredient, error)
	CreateIngredient(ctx context.Context, ing domain.Ingredient) (domain.Ingredient, error)
	CorrectIngredient(ctx context.Context, req domain.IngredientCorrectRequest) (domain.Ingredient, error)
	DeleteIngredient(ctx context.Context, id string) error
	SetProduct(ctx context.Context, p domain.IngredientProduct) error
	// DepositBatch adds qty at unitCost, merging into an existing batch of
	// the same cost created inside the merge window when one exists.
	DepositBatch(ctx context.Context, ingredientID string, qty, unitCost float64) (domain.Ingredient, error)

	// Dishes.
	ListDishes(ctx context.Context) ([]domain.Dish, error)
	GetDish(ctx context.Context, id string) (domain.Dish, error)
	// GetDishes fetches the given dishes with recipes in one pass; missing
	// IDs are absent from the map rather than an error.
	GetDishes(ctx context.Context, ids []string) (map[string]domain.Dish, error)
	CreateDish(ctx context.Context, d domain.Dish) (domain.Dish, error)
	UpdateDish(ctx context.Context, d domain.Dish) (domain.Dish, error)
	DeleteDish(ctx context.Context, id string) error

	// Payment methods. ListPaymentMethods returns enabled methods only,
	// cash first.
	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, id string) (domain.PaymentMethod, error)

	// Sales history.
	GetSale(ctx context.Context, id string) (domain.Sale, error)
	ListSales(ctx context.Context) ([]domain.Sale, error)
	ListSessions(ctx context.Context) ([]domain.CashSession, error)

	// Cash sessions.
	OpenSession(ctx context.Context, baseCash int64) (domain.CashSession, error)
	CloseSession(ctx context.Context) (domain.CashSession, error)
	GetOpenSession(ctx context.Context) (domain.CashSession, error)
	AddExpense(ctx context.Context, e domain.CashExpense) (domain.CashExpense, error)
	ListSessionSales(ctx context.Context, sessionID string) ([]domain.Sale, error)
	// ListClosedSessionLedgers returns every closed session with the sales,
	// expenses and batch inflows the report aggregator needs.
	ListClosedSessionLedgers(ctx context.Context) ([]domain.SessionLedger, error)

	// CreateSale persists the sale, assigns the next ticket number inside
	// the session and withdraws the consolidated consumption map FIFO from
	// the ledger, all in one transaction.
	CreateSale(ctx context.Context, sale domain.Sale, consumption map[string]float64) (domain.Sale, error)

	Ping(ctx context.Context) error
	Close() error
}
