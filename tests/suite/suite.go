package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	redisx "secureuser/internal/cache/redis"
	"secureuser/internal/config"
	authhttp "secureuser/internal/http/auth"
	"secureuser/internal/lib/jwt"
	"secureuser/internal/services/auth"
	"secureuser/internal/services/confirm"
	"secureuser/internal/storage/sqlite"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type Suite struct {
	*testing.T
	Cfg     *config.Config
	Server  *httptest.Server
	Storage *sqlite.Storage
	Redis   *miniredis.Miniredis
}

// AuthResponse mirrors the wire envelope of the auth endpoints.
type AuthResponse struct {
	StatusCode  int    `json:"status_code"`
	MessageCode string `json:"message_code"`
	Error       *struct {
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
	AccessToken                  string `json:"access_token"`
	RefreshToken                 string `json:"refresh_token"`
	ExpiresIn                    int64  `json:"expires_in"`
	SessionID                    string `json:"session_id"`
	RegistrationConfirmationLink string `json:"registration_confirmation_link"`
}

// New stands up the full service against a throwaway sqlite database
// (schema applied through the real migrations) and an in-process redis.
func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()
	t.Parallel()

	cfg := config.LoadConfig("../config/test.yaml")

	storagePath := filepath.Join(t.TempDir(), "secureuser.db")
	m, err := migrate.New("file://../migrations", "sqlite3://"+storagePath)
	if err != nil {
		t.Fatalf("failed to init migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		t.Fatalf("failed to close migrator: %v / %v", srcErr, dbErr)
	}

	storage, err := sqlite.New(storagePath)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	mr := miniredis.RunT(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := redisx.New(redisx.Config{Addr: mr.Addr(), Timeout: time.Second}, log)

	signer, err := jwt.New(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	authService := auth.New(
		log, storage, storage, storage, cache, signer,
		cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL, cfg.Verification.Required,
	)
	confirmService := confirm.New(
		log, storage, storage, cache, cfg.Verification.Required,
		cfg.Verification.BaseURL, cfg.Verification.Endpoint, cfg.Verification.TokenTTL,
	)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	authhttp.Register(router, log, authService, confirmService)

	server := httptest.NewServer(router)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	t.Cleanup(func() {
		t.Helper()
		cancel()
		server.Close()
		_ = cache.Close()
		_ = storage.Close()
	})

	return ctx, &Suite{
		T:       t,
		Cfg:     cfg,
		Server:  server,
		Storage: storage,
		Redis:   mr,
	}
}

func (s *Suite) postJSON(ctx context.Context, path string, body map[string]any) (int, AuthResponse) {
	s.T.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		s.T.Fatalf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Server.URL+path, bytes.NewReader(payload))
	if err != nil {
		s.T.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Server.Client().Do(req)
	if err != nil {
		s.T.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var decoded AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		s.T.Fatalf("failed to decode response: %v", err)
	}

	return resp.StatusCode, decoded
}

func (s *Suite) Register(ctx context.Context, login, email, password string) (int, AuthResponse) {
	s.T.Helper()
	return s.postJSON(ctx, "/api/auth/register", map[string]any{
		"login":    login,
		"email":    email,
		"password": password,
	})
}

func (s *Suite) Login(ctx context.Context, login, password string) (int, AuthResponse) {
	s.T.Helper()
	return s.postJSON(ctx, "/api/auth/login", map[string]any{
		"login":    login,
		"password": password,
	})
}

func (s *Suite) Refresh(ctx context.Context, refreshToken string) (int, AuthResponse) {
	s.T.Helper()
	return s.postJSON(ctx, "/api/auth/refresh", map[string]any{
		"refresh_token": refreshToken,
	})
}

func (s *Suite) Logout(ctx context.Context, refreshToken string, allSessions bool) (int, AuthResponse) {
	s.T.Helper()
	return s.postJSON(ctx, "/api/auth/logout", map[string]any{
		"refresh_token": refreshToken,
		"all_sessions":  allSessions,
	})
}

// Confirm issues the GET-style confirmation call and returns the plain
// text body.
func (s *Suite) Confirm(ctx context.Context, token string) (int, string) {
	s.T.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Server.URL+"/api/auth/confirm/"+token, nil)
	if err != nil {
		s.T.Fatalf("failed to build request: %v", err)
	}

	resp, err := s.Server.Client().Do(req)
	if err != nil {
		s.T.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.T.Fatalf("failed to read response body: %v", err)
	}

	return resp.StatusCode, string(body)
}

// RegisterConfirmed registers a user and immediately redeems the
// confirmation link, leaving the account ready to log in.
func (s *Suite) RegisterConfirmed(ctx context.Context, login, email, password string) {
	s.T.Helper()

	code, resp := s.Register(ctx, login, email, password)
	if code != http.StatusCreated {
		s.T.Fatalf("register failed with status %d", code)
	}
	if resp.RegistrationConfirmationLink == "" {
		s.T.Fatal("expected a confirmation link")
	}

	code, _ = s.Confirm(ctx, filepath.Base(resp.RegistrationConfirmationLink))
	if code != http.StatusOK {
		s.T.Fatalf("confirm failed with status %d", code)
	}
}
