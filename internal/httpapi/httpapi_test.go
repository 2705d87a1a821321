package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"donaarepa/backend/internal/cache"
	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/service"
	"donaarepa/backend/internal/store/memory"
)

type testEnv struct {
	server *httptest.Server
	csrf   string
	admin  string // bearer token
	cash   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	repo := memory.NewSeeded(24 * time.Hour)
	svc := service.New(repo, cache.Noop{}, log, 30*time.Second)
	auth := NewAuthManager("test-secret-0123456789abcdef0123456789", time.Hour, repo)
	ctx := context.Background()
	if err := auth.Bootstrap(ctx, "admin", "admin-pass", domain.RoleAdmin); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	if err := auth.Bootstrap(ctx, "ana", "cashier-pass", domain.RoleCashier); err != nil {
		t.Fatalf("bootstrap cashier: %v", err)
	}

	api := New(svc, auth, "http://localhost:3000", log)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	env := &testEnv{server: server}
	env.csrf = env.fetchCSRF(t)
	env.admin = env.login(t, "admin", "admin-pass")
	env.cash = env.login(t, "ana", "cashier-pass")
	return env
}

func (e *testEnv) fetchCSRF(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(e.server.URL + "/api/v1/csrf-token")
	if err != nil {
		t.Fatalf("fetch csrf: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf: %v", err)
	}
	return body["token"]
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d, body %s", username, status, body)
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", e.csrf)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin", "password": "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestRequireAuthRejectsMissingAndWrongRole(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodGet, "/api/v1/ingredients", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", status)
	}

	status, _ = env.do(t, http.MethodPost, "/api/v1/ingredients", env.cash, map[string]any{
		"name": "Harina", "unit": "g", "stock": 0,
	})
	if status != http.StatusForbidden {
		t.Fatalf("cashier on admin route: status = %d, want 403", status)
	}
}

func TestMutationWithoutCSRFTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/ingredients",
		bytes.NewReader([]byte(`{"name":"Harina","unit":"g","stock":0}`)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.admin)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestValidationFailureReturns400(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodPost, "/api/v1/ingredients", env.admin, map[string]any{
		"unit": "g", "stock": 0,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)

	// 404 for a missing ingredient.
	status, _ := env.do(t, http.MethodDelete, "/api/v1/ingredients/ing-missing", env.admin, nil)
	if status != http.StatusNotFound {
		t.Fatalf("delete missing: status = %d, want 404", status)
	}

	// 422 for a restock without product configuration.
	statusCreate, body := env.do(t, http.MethodPost, "/api/v1/ingredients", env.admin, map[string]any{
		"name": "Harina", "unit": "g", "stock": 0,
	})
	if statusCreate != http.StatusCreated {
		t.Fatalf("create ingredient: status = %d, body %s", statusCreate, body)
	}
	var ing domain.Ingredient
	if err := json.Unmarshal(body, &ing); err != nil {
		t.Fatalf("decode ingredient: %v", err)
	}
	status, _ = env.do(t, http.MethodPost, "/api/v1/ingredients/restock", env.admin, map[string]any{
		"id": ing.ID, "amount": 100,
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("unconfigured restock: status = %d, want 422", status)
	}

	// 403 for a sale with no open session.
	statusDish, dishBody := env.do(t, http.MethodPost, "/api/v1/dishes", env.admin, map[string]any{
		"name": "Arepa", "price": 8000, "category": "main",
		"recipe": []map[string]any{{"ingredient_id": ing.ID, "qty": 100}},
	})
	if statusDish != http.StatusCreated {
		t.Fatalf("create dish: status = %d, body %s", statusDish, dishBody)
	}
	var dish domain.Dish
	if err := json.Unmarshal(dishBody, &dish); err != nil {
		t.Fatalf("decode dish: %v", err)
	}
	status, _ = env.do(t, http.MethodPost, "/api/v1/sales", env.cash, map[string]any{
		"items":   []map[string]any{{"dish_id": dish.ID, "qty": 1}},
		"payment": map[string]any{"method_id": "pm-efectivo"},
	})
	if status != http.StatusForbidden {
		t.Fatalf("sale without session: status = %d, want 403", status)
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	_, ingBody := env.do(t, http.MethodPost, "/api/v1/ingredients", env.admin, map[string]any{
		"name": "Harina", "unit": "g", "stock": 0,
	})
	var ing domain.Ingredient
	if err := json.Unmarshal(ingBody, &ing); err != nil {
		t.Fatalf("decode ingredient: %v", err)
	}
	if status, _ := env.do(t, http.MethodPut, "/api/v1/ingredients/product", env.admin, map[string]any{
		"ingredient_id": ing.ID, "pack_price": 50000, "pack_qty": 10000,
	}); status != http.StatusNoContent {
		t.Fatalf("configure product: status = %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/api/v1/ingredients/restock", env.admin, map[string]any{
		"id": ing.ID, "amount": 2000,
	}); status != http.StatusOK {
		t.Fatalf("restock: status = %d", status)
	}

	_, dishBody := env.do(t, http.MethodPost, "/api/v1/dishes", env.admin, map[string]any{
		"name": "Arepa de queso", "price": 8000, "category": "main",
		"recipe": []map[string]any{{"ingredient_id": ing.ID, "qty": 250}},
	})
	var dish domain.Dish
	if err := json.Unmarshal(dishBody, &dish); err != nil {
		t.Fatalf("decode dish: %v", err)
	}

	if status, body := env.do(t, http.MethodPost, "/api/v1/cash-session", env.cash, map[string]any{
		"action": "OPEN", "base_cash": 50000,
	}); status != http.StatusCreated {
		t.Fatalf("open session: status = %d, body %s", status, body)
	}

	status, saleBody := env.do(t, http.MethodPost, "/api/v1/sales", env.cash, map[string]any{
		"items":   []map[string]any{{"dish_id": dish.ID, "qty": 2}},
		"payment": map[string]any{"method_id": "pm-efectivo"},
	})
	if status != http.StatusCreated {
		t.Fatalf("sale: status = %d, body %s", status, saleBody)
	}
	var sale domain.SaleCreateResponse
	if err := json.Unmarshal(saleBody, &sale); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if sale.TicketNo != 1 {
		t.Fatalf("ticket = %d, want 1", sale.TicketNo)
	}

	status, curBody := env.do(t, http.MethodGet, "/api/v1/cash-session", env.cash, nil)
	if status != http.StatusOK {
		t.Fatalf("current report: status = %d", status)
	}
	var cur domain.CurrentCashReport
	if err := json.Unmarshal(curBody, &cur); err != nil {
		t.Fatalf("decode current report: %v", err)
	}
	if cur.Session == nil || cur.Session.TotalSold != 16000 {
		t.Fatalf("current report = %s", curBody)
	}
}
