// Package postgres implements store.Repository on PostgreSQL. Ledger
// mutations run in serializable transactions with row locks taken in a
// fixed order, so concurrent sales against the same ingredients cannot
// interleave batch decrements.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/ledger"
	"donaarepa/backend/internal/store"
	"donaarepa/backend/internal/xid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db          *sql.DB
	mergeWindow time.Duration
}

// New opens the pool, verifies connectivity and applies pending
// migrations.
func New(ctx context.Context, databaseURL string, mergeWindow time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, mergeWindow: mergeWindow}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetUser(ctx context.Context, username string) (domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password, role, active, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt)
	if err != nil {
		return domain.UserAccount{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) EnsureUser(ctx context.Context, u domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password, role, active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username) DO NOTHING`,
		u.Username, u.Password, u.Role, u.Active,
	)
	return err
}

func (s *Store) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, unit, stock FROM ingredients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Ingredient
	for rows.Next() {
		var ing domain.Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Stock); err != nil {
			return nil, err
		}
		out = append(out, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.attachIngredientDetail(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) GetIngredient(ctx context.Context, id string) (domain.Ingredient, error) {
	var ing domain.Ingredient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, unit, stock FROM ingredients WHERE id = $1`, id,
	).Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Stock)
	if err != nil {
		return domain.Ingredient{}, mapErr(err)
	}
	if err := s.attachIngredientDetail(ctx, &ing); err != nil {
		return domain.Ingredient{}, err
	}
	return ing, nil
}

func (s *Store) attachIngredientDetail(ctx context.Context, ing *domain.Ingredient) error {
	var p domain.IngredientProduct
	err := s.db.QueryRowContext(ctx,
		`SELECT ingredient_id, pack_price, pack_qty FROM ingredient_products WHERE ingredient_id = $1`,
		ing.ID,
	).Scan(&p.IngredientID, &p.PackPrice, &p.PackQty)
	switch {
	case err == nil:
		ing.Product = &p
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ingredient_id, seq, qty_initial, qty_remaining, unit_cost, created_at
		 FROM ingredient_batches WHERE ingredient_id = $1
		 ORDER BY created_at, seq`, ing.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var b domain.IngredientBatch
		if err := rows.Scan(&b.ID, &b.IngredientID, &b.Seq, &b.QtyInitial, &b.QtyRemaining, &b.UnitCost, &b.CreatedAt); err != nil {
			return err
		}
		ing.Batches = append(ing.Batches, b)
	}
	return rows.Err()
}

func (s *Store) CreateIngredient(ctx context.Context, ing domain.Ingredient) (domain.Ingredient, error) {
	if ing.ID == "" {
		ing.ID = xid.New("ing")
	}
	ing.Stock = ledger.Round6(ing.Stock)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ingredients (id, name, unit, stock) VALUES ($1, $2, $3, $4)`,
			ing.ID, ing.Name, ing.Unit, ing.Stock,
		); err != nil {
			if isUniqueViolation(err) {
				// Name is taken by another ingredient.
				return store.ErrInUse
			}
			return err
		}
		if ing.Stock > 0 {
			// Opening stock has no cost basis yet.
			_, err := tx.ExecContext(ctx,
				`INSERT INTO ingredient_batches (id, ingredient_id, qty_initial, qty_remaining, unit_cost)
				 VALUES ($1, $2, $3, $3, 0)`,
				xid.New("bat"), ing.ID, ing.Stock,
			)
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Ingredient{}, err
	}
	return s.GetIngredient(ctx, ing.ID)
}

func (s *Store) CorrectIngredient(ctx context.Context, req domain.IngredientCorrectRequest) (domain.Ingredient, error) {
	target := ledger.Round6(req.Stock)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current float64
		err := tx.QueryRowContext(ctx,
			`SELECT stock FROM ingredients WHERE id = $1 FOR UPDATE`, req.ID,
		).Scan(&current)
		if err != nil {
			return mapErr(err)
		}

		// Diff against the batch remainders, not the cached stock, so the
		// correction also absorbs drift between the two.
		var remaining float64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(qty_remaining), 0) FROM ingredient_batches WHERE ingredient_id = $1`,
			req.ID,
		).Scan(&remaining); err != nil {
			return err
		}

		diff := ledger.Round6(target - remaining)
		switch {
		case diff > 0:
			var cost float64
			var packPrice int64
			var packQty float64
			err := tx.QueryRowContext(ctx,
				`SELECT pack_price, pack_qty FROM ingredient_products WHERE ingredient_id = $1`,
				req.ID,
			).Scan(&packPrice, &packQty)
			switch {
			case err == nil:
				cost = ledger.UnitCost(packPrice, packQty)
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ingredient_batches (id, ingredient_id, qty_initial, qty_remaining, unit_cost)
				 VALUES ($1, $2, $3, $3, $4)`,
				xid.New("bat"), req.ID, diff, cost,
			); err != nil {
				return err
			}
		case diff < 0:
			if err := trimBatches(ctx, tx, req.ID, -diff); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE ingredients SET name = $2, unit = $3, stock = $4 WHERE id = $1`,
			req.ID, req.Name, req.Unit, target,
		)
		if isUniqueViolation(err) {
			return store.ErrInUse
		}
		return err
	})
	if err != nil {
		return domain.Ingredient{}, err
	}
	return s.GetIngredient(ctx, req.ID)
}

// trimBatches removes qty newest-first, shrinking both qty columns so the
// removed units never count as inflow.
func trimBatches(ctx context.Context, tx *sql.Tx, ingredientID string, qty float64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, qty_initial, qty_remaining FROM ingredient_batches
		 WHERE ingredient_id = $1 AND qty_remaining > 0
		 ORDER BY created_at DESC, seq DESC
		 FOR UPDATE`, ingredientID)
	if err != nil {
		return err
	}
	type rec struct {
		id                 string
		initial, remaining float64
	}
	var batches []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.initial, &r.remaining); err != nil {
			rows.Close()
			return err
		}
		batches = append(batches, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	remaining := qty
	for _, b := range batches {
		if remaining <= 0 {
			break
		}
		take := b.remaining
		if take > remaining {
			take = remaining
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ingredient_batches
			 SET qty_initial = $2, qty_remaining = $3 WHERE id = $1`,
			b.id, ledger.Round6(b.initial-take), ledger.Round6(b.remaining-take),
		); err != nil {
			return err
		}
		remaining = ledger.Round6(remaining - take)
	}
	return nil
}

func (s *Store) DeleteIngredient(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM recipe_items WHERE ingredient_id = $1`, id,
		).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			return store.ErrInUse
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM ingredients WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) SetProduct(ctx context.Context, p domain.IngredientProduct) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingredient_products (ingredient_id, pack_price, pack_qty)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (ingredient_id) DO UPDATE SET pack_price = $2, pack_qty = $3`,
		p.IngredientID, p.PackPrice, p.PackQty,
	)
	if isFKViolation(err) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) DepositBatch(ctx context.Context, ingredientID string, qty, unitCost float64) (domain.Ingredient, error) {
	qty = ledger.Round6(qty)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var stock float64
		err := tx.QueryRowContext(ctx,
			`SELECT stock FROM ingredients WHERE id = $1 FOR UPDATE`, ingredientID,
		).Scan(&stock)
		if err != nil {
			return mapErr(err)
		}

		cutoff := time.Now().Add(-s.mergeWindow)
		var batchID string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM ingredient_batches
			 WHERE ingredient_id = $1 AND qty_remaining > 0
			   AND abs(unit_cost - $2) <= $3 AND created_at >= $4
			 ORDER BY created_at DESC, seq DESC
			 LIMIT 1
			 FOR UPDATE`,
			ingredientID, unitCost, ledger.CostTolerance, cutoff,
		).Scan(&batchID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx,
				`UPDATE ingredient_batches
				 SET qty_initial = qty_initial + $2, qty_remaining = qty_remaining + $2
				 WHERE id = $1`, batchID, qty,
			); err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ingredient_batches (id, ingredient_id, qty_initial, qty_remaining, unit_cost)
				 VALUES ($1, $2, $3, $3, $4)`,
				xid.New("bat"), ingredientID, qty, unitCost,
			); err != nil {
				return err
			}
		default:
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE ingredients SET stock = $2 WHERE id = $1`,
			ingredientID, ledger.Round6(stock+qty),
		)
		return err
	})
	if err != nil {
		return domain.Ingredient{}, err
	}
	return s.GetIngredient(ctx, ingredientID)
}

func (s *Store) ListDishes(ctx context.Context) ([]domain.Dish, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, price, category, enabled FROM dishes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Dish
	for rows.Next() {
		var d domain.Dish
		if err := rows.Scan(&d.ID, &d.Name, &d.Price, &d.Category, &d.Enabled); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.attachRecipe(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) GetDish(ctx context.Context, id string) (domain.Dish, error) {
	var d domain.Dish
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, price, category, enabled FROM dishes WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.Price, &d.Category, &d.Enabled)
	if err != nil {
		return domain.Dish{}, mapErr(err)
	}
	if err := s.attachRecipe(ctx, &d); err != nil {
		return domain.Dish{}, err
	}
	return d, nil
}

// GetDishes fetches the given dishes with recipes in one pass. IDs with
// no matching dish are simply absent from the result.
func (s *Store) GetDishes(ctx context.Context, ids []string) (map[string]domain.Dish, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, price, category, enabled FROM dishes WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	var list []domain.Dish
	for rows.Next() {
		var d domain.Dish
		if err := rows.Scan(&d.ID, &d.Name, &d.Price, &d.Category, &d.Enabled); err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Dish, len(list))
	for i := range list {
		if err := s.attachRecipe(ctx, &list[i]); err != nil {
			return nil, err
		}
		out[list[i].ID] = list[i]
	}
	return out, nil
}

func (s *Store) attachRecipe(ctx context.Context, d *domain.Dish) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dish_id, ingredient_id, qty FROM recipe_items WHERE dish_id = $1`, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ri domain.RecipeItem
		if err := rows.Scan(&ri.DishID, &ri.IngredientID, &ri.Qty); err != nil {
			return err
		}
		d.Recipe = append(d.Recipe, ri)
	}
	return rows.Err()
}

func (s *Store) CreateDish(ctx context.Context, d domain.Dish) (domain.Dish, error) {
	if d.ID == "" {
		d.ID = xid.New("dish")
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dishes (id, name, price, category, enabled) VALUES ($1, $2, $3, $4, $5)`,
			d.ID, d.Name, d.Price, d.Category, d.Enabled,
		); err != nil {
			return err
		}
		return insertRecipe(ctx, tx, d.ID, d.Recipe)
	})
	if err != nil {
		return domain.Dish{}, err
	}
	return s.GetDish(ctx, d.ID)
}

func (s *Store) UpdateDish(ctx context.Context, d domain.Dish) (domain.Dish, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE dishes SET name = $2, price = $3, category = $4, enabled = $5 WHERE id = $1`,
			d.ID, d.Name, d.Price, d.Category, d.Enabled,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		// Recipe rows are replaced wholesale.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM recipe_items WHERE dish_id = $1`, d.ID,
		); err != nil {
			return err
		}
		return insertRecipe(ctx, tx, d.ID, d.Recipe)
	})
	if err != nil {
		return domain.Dish{}, err
	}
	return s.GetDish(ctx, d.ID)
}

func insertRecipe(ctx context.Context, tx *sql.Tx, dishID string, recipe []domain.RecipeItem) error {
	for _, ri := range recipe {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recipe_items (dish_id, ingredient_id, qty) VALUES ($1, $2, $3)`,
			dishID, ri.IngredientID, ri.Qty,
		); err != nil {
			if isFKViolation(err) {
				// The referenced ingredient does not exist.
				return store.ErrInvalidInput
			}
			return err
		}
	}
	return nil
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) DeleteDish(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dishes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_cash, enabled FROM payment_methods
		 WHERE enabled ORDER BY is_cash DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentMethod
	for rows.Next() {
		var m domain.PaymentMethod
		if err := rows.Scan(&m.ID, &m.Name, &m.IsCash, &m.Enabled); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetPaymentMethod(ctx context.Context, id string) (domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_cash, enabled FROM payment_methods WHERE id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.IsCash, &m.Enabled)
	if err != nil {
		return domain.PaymentMethod{}, mapErr(err)
	}
	return m, nil
}

func (s *Store) OpenSession(ctx context.Context, baseCash int64) (domain.CashSession, error) {
	var sess domain.CashSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM cash_sessions WHERE status = 'OPEN' FOR UPDATE`,
		).Scan(&existing)
		switch {
		case err == nil:
			return store.ErrInUse
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		sess = domain.CashSession{
			ID:       xid.New("ses"),
			Status:   domain.SessionStatusOpen,
			BaseCash: baseCash,
		}
		return tx.QueryRowContext(ctx,
			`INSERT INTO cash_sessions (id, status, base_cash) VALUES ($1, 'OPEN', $2)
			 RETURNING opened_at`,
			sess.ID, baseCash,
		).Scan(&sess.OpenedAt)
	})
	if err != nil {
		return domain.CashSession{}, err
	}
	return sess, nil
}

func (s *Store) CloseSession(ctx context.Context) (domain.CashSession, error) {
	var sess domain.CashSession
	err := s.db.QueryRowContext(ctx,
		`UPDATE cash_sessions SET status = 'CLOSED', closed_at = now()
		 WHERE status = 'OPEN'
		 RETURNING id, status, base_cash, opened_at, closed_at`,
	).Scan(&sess.ID, &sess.Status, &sess.BaseCash, &sess.OpenedAt, &sess.ClosedAt)
	if err != nil {
		return domain.CashSession{}, mapErr(err)
	}
	return sess, nil
}

func (s *Store) GetOpenSession(ctx context.Context) (domain.CashSession, error) {
	var sess domain.CashSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, base_cash, opened_at, closed_at
		 FROM cash_sessions WHERE status = 'OPEN'`,
	).Scan(&sess.ID, &sess.Status, &sess.BaseCash, &sess.OpenedAt, &sess.ClosedAt)
	if err != nil {
		return domain.CashSession{}, mapErr(err)
	}
	return sess, nil
}

func (s *Store) AddExpense(ctx context.Context, e domain.CashExpense) (domain.CashExpense, error) {
	sess, err := s.GetOpenSession(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CashExpense{}, store.ErrSessionClosed
		}
		return domain.CashExpense{}, err
	}
	e.ID = xid.New("exp")
	e.SessionID = sess.ID
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO cash_expenses (id, session_id, amount, note) VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		e.ID, e.SessionID, e.Amount, e.Note,
	).Scan(&e.CreatedAt)
	if err != nil {
		return domain.CashExpense{}, err
	}
	return e, nil
}

func (s *Store) ListSessionSales(ctx context.Context, sessionID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.session_id, s.ticket_no, s.total, s.is_management, s.created_at,
		        p.method_id, pm.name, pm.is_cash, p.amount, p.cash_received, p.change_given
		 FROM sales s
		 LEFT JOIN payments p ON p.sale_id = s.id
		 LEFT JOIN payment_methods pm ON pm.id = p.method_id
		 WHERE s.session_id = $1
		 ORDER BY s.ticket_no`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.attachSaleItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanSale(rows *sql.Rows) (domain.Sale, error) {
	var sale domain.Sale
	var methodID, methodName sql.NullString
	var isCash sql.NullBool
	var amount, received, change sql.NullInt64
	err := rows.Scan(&sale.ID, &sale.SessionID, &sale.TicketNo, &sale.Total, &sale.IsManagement, &sale.CreatedAt,
		&methodID, &methodName, &isCash, &amount, &received, &change)
	if err != nil {
		return domain.Sale{}, err
	}
	if methodID.Valid {
		p := &domain.Payment{
			MethodID:   methodID.String,
			MethodName: methodName.String,
			IsCash:     isCash.Bool,
			Amount:     amount.Int64,
		}
		if received.Valid {
			v := received.Int64
			p.CashReceived = &v
		}
		if change.Valid {
			v := change.Int64
			p.ChangeGiven = &v
		}
		sale.Payment = p
	}
	return sale, nil
}

func (s *Store) attachSaleItems(ctx context.Context, sale *domain.Sale) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT si.dish_id, d.name, si.qty, si.price
		 FROM sale_items si JOIN dishes d ON d.id = si.dish_id
		 WHERE si.sale_id = $1`, sale.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.SaleItem
		if err := rows.Scan(&it.DishID, &it.DishName, &it.Qty, &it.Price); err != nil {
			return err
		}
		sale.Items = append(sale.Items, it)
	}
	return rows.Err()
}

func (s *Store) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.session_id, s.ticket_no, s.total, s.is_management, s.created_at,
		        p.method_id, pm.name, pm.is_cash, p.amount, p.cash_received, p.change_given
		 FROM sales s
		 LEFT JOIN payments p ON p.sale_id = s.id
		 LEFT JOIN payment_methods pm ON pm.id = p.method_id
		 WHERE s.id = $1`, id)
	if err != nil {
		return domain.Sale{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Sale{}, err
		}
		return domain.Sale{}, store.ErrNotFound
	}
	sale, err := scanSale(rows)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := s.attachSaleItems(ctx, &sale); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.session_id, s.ticket_no, s.total, s.is_management, s.created_at,
		        p.method_id, pm.name, pm.is_cash, p.amount, p.cash_received, p.change_given
		 FROM sales s
		 LEFT JOIN payments p ON p.sale_id = s.id
		 LEFT JOIN payment_methods pm ON pm.id = p.method_id
		 ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.attachSaleItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.CashSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, base_cash, opened_at, closed_at
		 FROM cash_sessions ORDER BY opened_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CashSession
	for rows.Next() {
		var sess domain.CashSession
		if err := rows.Scan(&sess.ID, &sess.Status, &sess.BaseCash, &sess.OpenedAt, &sess.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListClosedSessionLedgers(ctx context.Context) ([]domain.SessionLedger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, base_cash, opened_at, closed_at
		 FROM cash_sessions WHERE status = 'CLOSED' ORDER BY closed_at`)
	if err != nil {
		return nil, err
	}
	var sessions []domain.CashSession
	for rows.Next() {
		var sess domain.CashSession
		if err := rows.Scan(&sess.ID, &sess.Status, &sess.BaseCash, &sess.OpenedAt, &sess.ClosedAt); err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.SessionLedger, 0, len(sessions))
	for _, sess := range sessions {
		l := domain.SessionLedger{Session: sess}
		if l.Sales, err = s.ListSessionSales(ctx, sess.ID); err != nil {
			return nil, err
		}
		if l.Expenses, err = s.listExpenses(ctx, sess.ID); err != nil {
			return nil, err
		}
		if l.Batches, err = s.listBatchesBetween(ctx, sess.OpenedAt, *sess.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Store) listExpenses(ctx context.Context, sessionID string) ([]domain.CashExpense, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, amount, note, created_at
		 FROM cash_expenses WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CashExpense
	for rows.Next() {
		var e domain.CashExpense
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Amount, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) listBatchesBetween(ctx context.Context, from, to time.Time) ([]domain.IngredientBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ingredient_id, seq, qty_initial, qty_remaining, unit_cost, created_at
		 FROM ingredient_batches
		 WHERE created_at >= $1 AND created_at <= $2
		 ORDER BY created_at, seq`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.IngredientBatch
	for rows.Next() {
		var b domain.IngredientBatch
		if err := rows.Scan(&b.ID, &b.IngredientID, &b.Seq, &b.QtyInitial, &b.QtyRemaining, &b.UnitCost, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, consumption map[string]float64) (domain.Sale, error) {
	sale.ID = xid.New("sale")

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var sessionID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM cash_sessions WHERE status = 'OPEN' FOR UPDATE`,
		).Scan(&sessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrSessionClosed
			}
			return err
		}
		if sessionID != sale.SessionID {
			return store.ErrSessionClosed
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) + 1 FROM sales WHERE session_id = $1`, sessionID,
		).Scan(&sale.TicketNo); err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx,
			`INSERT INTO sales (id, session_id, ticket_no, total, is_management)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			sale.ID, sessionID, sale.TicketNo, sale.Total, sale.IsManagement,
		).Scan(&sale.CreatedAt); err != nil {
			return err
		}
		for _, it := range sale.Items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sale_items (sale_id, dish_id, qty, price) VALUES ($1, $2, $3, $4)`,
				sale.ID, it.DishID, it.Qty, it.Price,
			); err != nil {
				return err
			}
		}
		if sale.Payment != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO payments (sale_id, method_id, amount, cash_received, change_given)
				 VALUES ($1, $2, $3, $4, $5)`,
				sale.ID, sale.Payment.MethodID, sale.Payment.Amount,
				sale.Payment.CashReceived, sale.Payment.ChangeGiven,
			); err != nil {
				return err
			}
		}

		// Locks are taken in sorted ingredient order to avoid deadlocks
		// between concurrent sales.
		ids := make([]string, 0, len(consumption))
		for id := range consumption {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, ingID := range ids {
			if err := withdrawFIFO(ctx, tx, ingID, consumption[ingID]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

// withdrawFIFO drains qty oldest-first from the ingredient's batches and
// decrements the stock aggregate unconditionally; stock may go negative
// when the batch history has drifted.
func withdrawFIFO(ctx context.Context, tx *sql.Tx, ingredientID string, qty float64) error {
	var stock float64
	err := tx.QueryRowContext(ctx,
		`SELECT stock FROM ingredients WHERE id = $1 FOR UPDATE`, ingredientID,
	).Scan(&stock)
	if err != nil {
		return mapErr(err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, qty_remaining FROM ingredient_batches
		 WHERE ingredient_id = $1 AND qty_remaining > 0
		 ORDER BY created_at, seq
		 FOR UPDATE`, ingredientID)
	if err != nil {
		return err
	}
	type rec struct {
		id        string
		remaining float64
	}
	var batches []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.remaining); err != nil {
			rows.Close()
			return err
		}
		batches = append(batches, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	remaining := qty
	for _, b := range batches {
		if remaining <= 0 {
			break
		}
		take := b.remaining
		if take > remaining {
			take = remaining
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ingredient_batches SET qty_remaining = $2 WHERE id = $1`,
			b.id, ledger.Round6(b.remaining-take),
		); err != nil {
			return err
		}
		remaining = ledger.Round6(remaining - take)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ingredients SET stock = $2 WHERE id = $1`,
		ingredientID, ledger.Round6(stock-qty))
	return err
}

// inTx runs fn in a serializable transaction. Domain sentinels pass
// through; anything else surfaces as ErrTxFailure so callers report a
// retryable storage fault.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrTxFailure, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if isDomainErr(err) {
			return err
		}
		return fmt.Errorf("%w: %v", store.ErrTxFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrTxFailure, err)
	}
	return nil
}

func isDomainErr(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrInvalidInput) ||
		errors.Is(err, store.ErrSessionClosed) ||
		errors.Is(err, store.ErrInUse) ||
		errors.Is(err, store.ErrUnconfigured)
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
