package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/store"
)

var errInvalidCredentials = errors.New("invalid credentials")

// UserStore is the slice of the repository the auth manager needs.
type UserStore interface {
	GetUser(ctx context.Context, username string) (domain.UserAccount, error)
	EnsureUser(ctx context.Context, u domain.UserAccount) error
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
}

type posClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
	}
}

// Bootstrap stores a credential if the username is free. Existing users
// are left untouched so operator password changes survive restarts.
func (a *AuthManager) Bootstrap(ctx context.Context, username, password, role string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash bootstrap password for %s: %w", username, err)
	}
	return a.users.EnsureUser(ctx, domain.UserAccount{
		Username: username,
		Password: hashed,
		Role:     role,
		Active:   true,
	})
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.TrimSpace(req.Username)
	u, err := a.users.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !u.Active || verifyPassword(u.Password, req.Password) != nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	expires := time.Now().Add(a.tokenTTL)
	claims := posClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now()),
			ExpiresAt: jwtlib.NewNumericDate(expires),
		},
		Role: u.Role,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        u.Role,
		ExpiresAt:   expires.UTC().Format(time.RFC3339),
	}, nil
}

// Verify parses and validates a bearer token and returns the actor it
// carries.
func (a *AuthManager) Verify(token string) (domain.Actor, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &posClaims{}, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Actor{}, errInvalidCredentials
	}
	claims, ok := parsed.Claims.(*posClaims)
	if !ok || claims.Subject == "" {
		return domain.Actor{}, errInvalidCredentials
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func verifyPassword(hashed, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
}
