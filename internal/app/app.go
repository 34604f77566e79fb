// Package app wires the workspace database, identity provider and engine
// together for the CLI and the HTTP server.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskhub/internal/config"
	"taskhub/internal/db"
	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/identity"
	"taskhub/internal/migrate"
	"taskhub/internal/session"
	"taskhub/internal/store"
)

// Options controls Open. JWTSecret overrides the config file secret.
type Options struct {
	Workspace string
	JWTSecret string
	// RequireSecret fails Open when no secret is configured. Without it a
	// random per-process secret is used, which is fine for one-shot CLI calls.
	RequireSecret bool
	Log           *zap.Logger
}

// Runtime is an opened workspace.
type Runtime struct {
	Config   *config.Config
	DB       *sql.DB
	Store    *store.SQLStore
	Identity *identity.Local
	Engine   engine.Engine
	Log      *zap.Logger
}

// Open loads the workspace config, opens and migrates the database, and
// builds the identity provider and engine on top.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log, err = NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}
	secret := strings.TrimSpace(opts.JWTSecret)
	if secret == "" {
		secret = strings.TrimSpace(cfg.Auth.JWTSecret)
	}
	if secret == "" {
		if opts.RequireSecret {
			return nil, errors.New("jwt secret is required: set TASKHUB_JWT_SECRET or auth.jwt_secret")
		}
		secret, err = randomSecret()
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := store.NewSQLStore(conn)
	ident, err := identity.NewLocal(s, identity.LocalConfig{
		Secret:            secret,
		TokenTTL:          cfg.Auth.TokenTTL,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		Log:               log.Named("identity"),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{
		Config:   cfg,
		DB:       conn,
		Store:    s,
		Identity: ident,
		Engine:   engine.New(s, ident, log.Named("engine")),
		Log:      log,
	}, nil
}

func (r *Runtime) Close() error {
	_ = r.Log.Sync()
	return r.DB.Close()
}

// NewLogger builds a zap logger for level (debug, info, warn, error) and
// format (json or console).
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// SignIn signs email in through the identity provider and returns the
// principal the session tracker resolved. The tracker stays subscribed until
// the returned stop is called.
func (r *Runtime) SignIn(ctx context.Context, email, password string) (*domain.User, func(), error) {
	tracker := session.NewTracker(r.Identity, r.Store, r.Log.Named("session"))
	if _, err := r.Identity.SignIn(ctx, email, password); err != nil {
		tracker.Close()
		return nil, nil, err
	}
	u := tracker.Current()
	if u == nil {
		_ = r.Identity.SignOut(ctx)
		tracker.Close()
		return nil, nil, errors.New("account is missing or deactivated")
	}
	stop := func() {
		_ = r.Identity.SignOut(context.Background())
		tracker.Close()
	}
	return u, stop, nil
}

// ErrAdminExists is returned by EnsureAdmin when an active admin already exists.
var ErrAdminExists = errors.New("an active admin already exists")

// EnsureAdmin registers the first admin account. It is the only path that
// creates an admin without an authenticated admin principal, so it refuses
// once an active admin exists.
func (r *Runtime) EnsureAdmin(ctx context.Context, email, password, fullName string) (domain.User, error) {
	n, err := store.Count(ctx, r.Store, store.Users, store.Where(
		store.Eq("role", domain.RoleAdmin),
		store.Eq("is_active", true),
	))
	if err != nil {
		return domain.User{}, err
	}
	if n > 0 {
		return domain.User{}, ErrAdminExists
	}
	u, err := r.Identity.SignUp(ctx, email, password, identity.Attributes{FullName: fullName, Role: domain.RoleAdmin})
	if err != nil {
		return domain.User{}, err
	}
	r.Log.Info("admin created", zap.String("user_id", u.ID), zap.String("email", u.Email))
	return u, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
