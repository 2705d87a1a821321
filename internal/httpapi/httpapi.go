// Package httpapi exposes the service over JSON/HTTP. Authentication is
// a bearer JWT; mutating requests additionally carry a CSRF token tied
// to an hour bucket.
package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/service"
	"donaarepa/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
	validate      *validator.Validate
	log           *logrus.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *logrus.Logger) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// crypto/rand failing means the process should not serve traffic.
		panic(fmt.Sprintf("csrf secret: %v", err))
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		log:           log,
	}
}

// Handler assembles the route table. Reads are open to both roles,
// catalog and report mutations are admin-only, till operations belong to
// whoever runs the register.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("GET /api/v1/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("GET /api/v1/healthz", a.handleHealth)

	both := []string{domain.RoleAdmin, domain.RoleCashier}
	admin := []string{domain.RoleAdmin}

	mux.Handle("GET /api/v1/ingredients", a.requireAuth(a.handleListIngredients, both...))
	mux.Handle("POST /api/v1/ingredients", a.requireAuth(a.handleCreateIngredient, admin...))
	mux.Handle("PUT /api/v1/ingredients", a.requireAuth(a.handleCorrectIngredient, admin...))
	mux.Handle("DELETE /api/v1/ingredients/{id}", a.requireAuth(a.handleDeleteIngredient, admin...))
	mux.Handle("POST /api/v1/ingredients/restock", a.requireAuth(a.handleRestock, admin...))
	mux.Handle("PUT /api/v1/ingredients/product", a.requireAuth(a.handleConfigureProduct, admin...))

	mux.Handle("GET /api/v1/dishes", a.requireAuth(a.handleListDishes, both...))
	mux.Handle("POST /api/v1/dishes", a.requireAuth(a.handleCreateDish, admin...))
	mux.Handle("PUT /api/v1/dishes", a.requireAuth(a.handleUpdateDish, admin...))
	mux.Handle("DELETE /api/v1/dishes/{id}", a.requireAuth(a.handleDeleteDish, admin...))

	mux.Handle("GET /api/v1/payment-methods", a.requireAuth(a.handleListPaymentMethods, both...))
	mux.Handle("POST /api/v1/sales", a.requireAuth(a.handleCreateSale, both...))
	mux.Handle("GET /api/v1/sales", a.requireAuth(a.handleListSales, admin...))
	mux.Handle("GET /api/v1/sales/{id}", a.requireAuth(a.handleGetSale, both...))
	mux.Handle("GET /api/v1/sessions", a.requireAuth(a.handleListSessions, admin...))
	mux.Handle("GET /api/v1/cash-session", a.requireAuth(a.handleCurrentCashReport, both...))
	mux.Handle("POST /api/v1/cash-session", a.requireAuth(a.handleSessionAction, both...))

	mux.Handle("GET /api/v1/reports", a.requireAuth(a.handleReports, admin...))

	return a.withMiddleware(mux)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-CSRF-Token")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if mutating(r.Method) && r.URL.Path != "/api/v1/auth/login" {
			if !a.validateCSRFToken(r.Header.Get("X-CSRF-Token")) {
				writeError(w, http.StatusForbidden, "invalid or missing CSRF token")
				return
			}
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := a.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		allowed := false
		for _, role := range roles {
			if actor.Role == role {
				allowed = true
				break
			}
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !a.loginLimiter.Allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var req domain.LoginRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCSRFToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": a.generateCSRFToken()})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListIngredients(w http.ResponseWriter, r *http.Request) {
	ingredients, err := a.service.ListIngredients(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingredients)
}

func (a *API) handleCreateIngredient(w http.ResponseWriter, r *http.Request) {
	var req domain.IngredientCreateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	ing, err := a.service.CreateIngredient(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ing)
}

func (a *API) handleCorrectIngredient(w http.ResponseWriter, r *http.Request) {
	var req domain.IngredientCorrectRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	ing, err := a.service.CorrectIngredient(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ing)
}

func (a *API) handleDeleteIngredient(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteIngredient(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req domain.RestockRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	ing, err := a.service.Restock(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ing)
}

func (a *API) handleConfigureProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductConfigRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if err := a.service.ConfigureProduct(r.Context(), req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListDishes(w http.ResponseWriter, r *http.Request) {
	dishes, err := a.service.ListDishes(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dishes)
}

func (a *API) handleCreateDish(w http.ResponseWriter, r *http.Request) {
	var req domain.DishCreateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	dish, err := a.service.CreateDish(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dish)
}

func (a *API) handleUpdateDish(w http.ResponseWriter, r *http.Request) {
	var req domain.DishUpdateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	dish, err := a.service.UpdateDish(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dish)
}

func (a *API) handleDeleteDish(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteDish(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := a.service.ListPaymentMethods(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, methods)
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleCreateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	resp, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListSales(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.service.ListSessions(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) handleCurrentCashReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.CurrentCashReport(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionActionRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	switch req.Action {
	case "OPEN":
		sess, err := a.service.OpenSession(r.Context(), req.BaseCash)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	case "CLOSE":
		sess, err := a.service.CloseSession(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case "ADD_EXPENSE":
		expense, err := a.service.AddExpense(r.Context(), req.Amount, req.Note)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, expense)
	default:
		writeError(w, http.StatusBadRequest, "unknown session action")
	}
}

func (a *API) handleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := a.service.Reports(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// decodeJSON reads, decodes and validates the body. It writes the error
// response itself and reports whether the caller may proceed.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid field %s", verrs[0].Field()))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps domain sentinels to HTTP statuses. Anything
// unmapped is logged and reported as an opaque 500.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid input")
	case errors.Is(err, store.ErrSessionClosed):
		writeError(w, http.StatusForbidden, "no open cash session")
	case errors.Is(err, store.ErrInUse):
		writeError(w, http.StatusConflict, "resource is in use")
	case errors.Is(err, store.ErrUnconfigured):
		writeError(w, http.StatusUnprocessableEntity, "ingredient has no product configuration")
	case errors.Is(err, store.ErrTxFailure):
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, retry")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "insufficient role")
	default:
		a.log.WithError(err).Error("unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour
// bucket, hex encoded.
func (a *API) csrfTokenForHour(bucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", bucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and previous hour buckets, giving
// tokens a two hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(bucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(bucket-3600)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}
