package domain

import "time"

// Ingredient is a consumable resource tracked by unit (count, mass, volume).
// Stock is a denormalized running total; the batches remain authoritative
// for cost history.
type Ingredient struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Unit    string             `json:"unit"`
	Stock   float64            `json:"stock"`
	Product *IngredientProduct `json:"product,omitempty"`
	Batches []IngredientBatch  `json:"batches,omitempty"`
}

// IngredientProduct is the purchasing configuration for one ingredient:
// the price of one purchased pack and how many ingredient-units it yields.
type IngredientProduct struct {
	IngredientID string  `json:"ingredient_id"`
	PackPrice    int64   `json:"pack_price"`
	PackQty      float64 `json:"pack_qty"`
}

// IngredientBatch is an append-only cost layer. UnitCost is frozen at
// deposit time; Seq breaks createdAt ties deterministically.
type IngredientBatch struct {
	ID           string    `json:"id"`
	IngredientID string    `json:"ingredient_id"`
	Seq          int64     `json:"seq"`
	QtyInitial   float64   `json:"qty_initial"`
	QtyRemaining float64   `json:"qty_remaining"`
	UnitCost     float64   `json:"unit_cost"`
	CreatedAt    time.Time `json:"created_at"`
}

type Dish struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Price    int64        `json:"price"`
	Category string       `json:"category"`
	Enabled  bool         `json:"enabled"`
	Recipe   []RecipeItem `json:"recipe"`
}

type RecipeItem struct {
	DishID       string  `json:"dish_id"`
	IngredientID string  `json:"ingredient_id"`
	Qty          float64 `json:"qty"`
}

type PaymentMethod struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsCash  bool   `json:"is_cash"`
	Enabled bool   `json:"enabled"`
}

// CashSession is one till shift. BaseCash is informational only and is
// excluded from computed totals.
type CashSession struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	BaseCash int64      `json:"base_cash"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Sale is a completed order. Management sales consume inventory but carry
// no payment and are excluded from revenue.
type Sale struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	TicketNo     int        `json:"ticket_no"`
	Total        int64      `json:"total"`
	IsManagement bool       `json:"is_management"`
	CreatedAt    time.Time  `json:"created_at"`
	Items        []SaleItem `json:"items"`
	Payment      *Payment   `json:"payment,omitempty"`
}

// SaleItem snapshots the dish price at sale time so historical sales are
// unaffected by later price edits.
type SaleItem struct {
	DishID   string `json:"dish_id"`
	DishName string `json:"dish_name,omitempty"`
	Qty      int    `json:"qty"`
	Price    int64  `json:"price"`
}

type Payment struct {
	MethodID     string `json:"method_id"`
	MethodName   string `json:"method_name,omitempty"`
	IsCash       bool   `json:"is_cash"`
	Amount       int64  `json:"amount"`
	CashReceived *int64 `json:"cash_received,omitempty"`
	ChangeGiven  *int64 `json:"change_given,omitempty"`
}

type CashExpense struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Amount    int64     `json:"amount"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionLedger is the read model the report aggregator works from: one
// closed session with its sales, expenses and the batches created inside
// its open window.
type SessionLedger struct {
	Session  CashSession
	Sales    []Sale
	Expenses []CashExpense
	Batches  []IngredientBatch
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type IngredientCreateRequest struct {
	Name  string  `json:"name" validate:"required"`
	Unit  string  `json:"unit" validate:"required"`
	Stock float64 `json:"stock" validate:"gte=0"`
}

// IngredientCorrectRequest overwrites stock directly; the ledger absorbs
// the difference against the batch history (surplus batch or newest-first
// trim).
type IngredientCorrectRequest struct {
	ID    string  `json:"id" validate:"required"`
	Name  string  `json:"name" validate:"required"`
	Unit  string  `json:"unit" validate:"required"`
	Stock float64 `json:"stock" validate:"gte=0"`
}

type RestockRequest struct {
	ID     string  `json:"id" validate:"required"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

type ProductConfigRequest struct {
	IngredientID string  `json:"ingredient_id" validate:"required"`
	PackPrice    float64 `json:"pack_price" validate:"gte=0"`
	PackQty      float64 `json:"pack_qty" validate:"gt=0"`
}

type RecipeItemRequest struct {
	IngredientID string  `json:"ingredient_id" validate:"required"`
	Qty          float64 `json:"qty" validate:"gt=0"`
}

type DishCreateRequest struct {
	Name     string              `json:"name" validate:"required"`
	Price    int64               `json:"price" validate:"gt=0"`
	Category string              `json:"category" validate:"required,oneof=starter main drink"`
	Recipe   []RecipeItemRequest `json:"recipe" validate:"dive"`
}

type DishUpdateRequest struct {
	ID       string              `json:"id" validate:"required"`
	Name     string              `json:"name" validate:"required"`
	Price    int64               `json:"price" validate:"gt=0"`
	Category string              `json:"category" validate:"required,oneof=starter main drink"`
	Enabled  *bool               `json:"enabled,omitempty"`
	Recipe   []RecipeItemRequest `json:"recipe" validate:"dive"`
}

type SaleLine struct {
	DishID string `json:"dish_id" validate:"required"`
	Qty    int    `json:"qty" validate:"gt=0"`
}

// PaymentInfo is the closed payment variant of a sale request: present for
// regular sales, absent for management orders.
type PaymentInfo struct {
	MethodID     string `json:"method_id" validate:"required"`
	CashReceived *int64 `json:"cash_received,omitempty"`
}

type SaleCreateRequest struct {
	Items        []SaleLine   `json:"items" validate:"min=1,dive"`
	Payment      *PaymentInfo `json:"payment,omitempty"`
	IsManagement bool         `json:"is_management"`
}

type SaleCreateResponse struct {
	SaleID   string `json:"sale_id"`
	TicketNo int    `json:"ticket_no"`
}

type SessionActionRequest struct {
	Action   string `json:"action" validate:"required,oneof=OPEN CLOSE ADD_EXPENSE"`
	BaseCash int64  `json:"base_cash" validate:"gte=0"`
	Amount   int64  `json:"amount" validate:"gte=0"`
	Note     string `json:"note,omitempty"`
}

// CurrentCashReport is the live view of the open session for the till
// screen; Session is nil when no session is open.
type CurrentCashReport struct {
	Session *SessionCashSummary `json:"session"`
}

type SessionCashSummary struct {
	ID        string           `json:"id"`
	OpenedAt  time.Time        `json:"opened_at"`
	TotalSold int64            `json:"total_sold"`
	Count     int              `json:"count"`
	ByMethod  map[string]int64 `json:"by_method"`
}

// MethodTotal is one payment-method slice of a report.
type MethodTotal struct {
	MethodID string `json:"method_id"`
	Name     string `json:"name"`
	IsCash   bool   `json:"is_cash"`
	Amount   int64  `json:"amount"`
}

// SessionReport is the per-session accounting summary. Investment is the
// batch-inflow value inside the session window, an approximation of COGS
// rather than a per-sale cost trace.
type SessionReport struct {
	ID            string                 `json:"id"`
	OpenedAt      time.Time              `json:"opened_at"`
	ClosedAt      time.Time              `json:"closed_at"`
	BaseCash      int64                  `json:"base_cash"`
	TotalReal     int64                  `json:"total_real"`
	TotalMgmt     int64                  `json:"total_mgmt"`
	TotalExpenses int64                  `json:"total_expenses"`
	Investment    float64                `json:"investment"`
	Profit        float64                `json:"profit"`
	CashCheck     int64                  `json:"cash_check"`
	RealCount     int                    `json:"real_count"`
	MgmtCount     int                    `json:"mgmt_count"`
	ByMethod      map[string]MethodTotal `json:"by_method"`
}

// PeriodReport aggregates the sessions of one week or one month.
type PeriodReport struct {
	Key           string                 `json:"key"`
	Start         time.Time              `json:"start"`
	Sessions      []SessionReport        `json:"sessions"`
	TotalReal     int64                  `json:"total_real"`
	TotalMgmt     int64                  `json:"total_mgmt"`
	TotalExpenses int64                  `json:"total_expenses"`
	Investment    float64                `json:"investment"`
	Profit        float64                `json:"profit"`
	ByMethod      map[string]MethodTotal `json:"by_method"`
}

type ReportResponse struct {
	Weekly  []PeriodReport `json:"weekly"`
	Monthly []PeriodReport `json:"monthly"`
}

const (
	SessionStatusOpen   = "OPEN"
	SessionStatusClosed = "CLOSED"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	DishCategoryStarter = "starter"
	DishCategoryMain    = "main"
	DishCategoryDrink   = "drink"
)
