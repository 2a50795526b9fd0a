package app

import (
	"context"
	"log/slog"
	"time"

	"secureuser/internal/app/httpserver"
	redisx "secureuser/internal/cache/redis"
	"secureuser/internal/config"
	"secureuser/internal/domain/models"
	authhttp "secureuser/internal/http/auth"
	"secureuser/internal/lib/jwt"
	"secureuser/internal/services/auth"
	"secureuser/internal/services/confirm"
	"secureuser/internal/storage/mongodb"
	"secureuser/internal/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Storage is the full capability set a ledger backend provides; both
// the sqlite and mongodb backends satisfy it.
type Storage interface {
	SaveUser(ctx context.Context, login, email string, passHash []byte, verified bool) (uuid.UUID, error)
	UserByLogin(ctx context.Context, login string) (*models.User, error)
	UserByLoginOrEmail(ctx context.Context, identifier string) (*models.User, error)
	SetUserVerified(ctx context.Context, userID uuid.UUID) error
	SaveTokens(ctx context.Context, tokens []models.Token) error
	TokenBySignedValue(ctx context.Context, signed string) (*models.Token, error)
	ActiveTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Token, error)
	ActiveTokensBySession(ctx context.Context, ownerID, sessionID uuid.UUID) ([]models.Token, error)
	ClaimToken(ctx context.Context, tokenID uuid.UUID) error
	RevokeTokens(ctx context.Context, tokenIDs []uuid.UUID) error
}

type App struct {
	HTTPSrv *httpserver.App
	Router  *gin.Engine

	cache        *redisx.Cache
	closeStorage func(ctx context.Context) error
}

func New(log *slog.Logger, cfg *config.Config) *App {
	storage, closeStorage := newStorage(cfg)

	cache := redisx.New(redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.Redis.Timeout,
	}, log)

	signer, err := jwt.New(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	if err != nil {
		panic(err)
	}

	authService := auth.New(
		log,
		storage,
		storage,
		storage,
		cache,
		signer,
		cfg.JWT.AccessTTL,
		cfg.JWT.RefreshTTL,
		cfg.Verification.Required,
	)
	confirmService := confirm.New(
		log,
		storage,
		storage,
		cache,
		cfg.Verification.Required,
		cfg.Verification.BaseURL,
		cfg.Verification.Endpoint,
		cfg.Verification.TokenTTL,
	)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	authhttp.Register(router, log, authService, confirmService)

	httpApp := httpserver.New(log, router, cfg.HTTP.Port, cfg.HTTP.Timeout)

	return &App{
		HTTPSrv:      httpApp,
		Router:       router,
		cache:        cache,
		closeStorage: closeStorage,
	}
}

func (a *App) Close(ctx context.Context) {
	_ = a.cache.Close()
	_ = a.closeStorage(ctx)
}

func newStorage(cfg *config.Config) (Storage, func(ctx context.Context) error) {
	switch cfg.Storage {
	case "sqlite":
		s, err := sqlite.New(cfg.StoragePath)
		if err != nil {
			panic(err)
		}
		return s, func(context.Context) error { return s.Close() }
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			panic(err)
		}
		return s, s.Close
	default:
		panic("unknown storage backend: " + cfg.Storage)
	}
}
