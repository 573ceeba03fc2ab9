package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/admin"
	aentity "github.com/ovaphlow/pitchfork/service-session-go/internal/admin/entity"
	arepo "github.com/ovaphlow/pitchfork/service-session-go/internal/admin/repo"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	irepo "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile"
	prepo "github.com/ovaphlow/pitchfork/service-session-go/internal/profile/repo"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/supa"
	"github.com/ovaphlow/pitchfork/service-session-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-session-go/pkg/utilities"
)

// backend is everything that differs between the local and hosted setups.
type backend struct {
	provider identity.Provider
	profiles profile.Store
	grants   admin.GrantStore
	// identity is nil for the hosted provider
	identity *identity.Handler
	// background loops, stopped through their context
	runners map[string]func(ctx context.Context) error
	close   func()
}

func main() {
	grantAdmin := flag.String("grant-admin", "", "grant the admin role to this principal id and exit (postgres backend)")
	flag.Parse()

	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	logCfg := utilities.ConfigFromEnv()
	lg, err := utilities.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()

	cfg, err := config.FromEnv()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	sugar.Infow("starting service-session-go", "backend", cfg.Backend, "addr", cfg.Addr)

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b *backend
	switch cfg.Backend {
	case config.BackendPostgres:
		b, err = postgresBackend(ctx, cfg, sugar, *grantAdmin, recoverySink(logCfg.Dev, sugar.Named("recovery")))
	case config.BackendSupabase:
		if *grantAdmin != "" {
			sugar.Fatal("-grant-admin is only supported with the postgres backend")
		}
		b, err = supabaseBackend(cfg, sugar)
	}
	if err != nil {
		sugar.Fatalf("backend %s: %v", cfg.Backend, err)
	}
	if b == nil {
		// one-shot command done
		return
	}
	defer b.close()

	reconciler := profile.NewReconciler(b.profiles, cfg.ReconcileWait, cfg.ReconcileRetries, sugar.Named("profile"))
	gate := admin.NewGate(b.grants, sugar.Named("admin"))
	store := session.NewStore()
	listener := session.NewListener(b.provider, reconciler, store, sugar.Named("session"))
	if err := listener.Start(ctx); err != nil {
		sugar.Fatalf("session listener: %v", err)
	}
	creds := session.NewCredentials(b.provider, reconciler, b.profiles, gate, store, listener, sugar.Named("credentials"))

	// mount http server
	handler := router.RegisterRoutes(sugar, session.NewHandler(store, creds, sugar.Named("http")), b.identity)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, run := range b.runners {
		g.Go(func() error {
			// a failed runner degrades the service but does not stop it
			if err := run(gctx); err != nil && gctx.Err() == nil {
				sugar.Errorw("background task stopped", "task", name, "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutting down")

		// give a short grace period for cleanup
		doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// sealing the store first ends open session streams
		if err := listener.Close(doneCtx); err != nil {
			sugar.Warnf("session listener close: %v", err)
		}
		if err := srv.Shutdown(doneCtx); err != nil {
			sugar.Warnf("http server shutdown failed: %v", err)
		}
		return nil
	})

	sugar.Info("service is running; press Ctrl+C to stop")
	if err := g.Wait(); err != nil {
		sugar.Errorf("service stopped: %v", err)
	}
	sugar.Info("goodbye")
}

// postgresBackend runs the identity provider in process on the local
// database. With grantAdmin set it only seeds that grant and returns nil.
func postgresBackend(ctx context.Context, cfg config.Config, sugar *zap.SugaredLogger, grantAdmin string, onRecovery func(email, token string)) (*backend, error) {
	dbCfg := database.ConfigFromEnv()
	db, err := database.ConnectX(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	principals := irepo.NewPrincipalRepo(db)
	refresh := irepo.NewRefreshRepo(db)
	profiles := prepo.NewProfileRepo(db)
	grants := arepo.NewGrantRepo(db)
	tables := []interface {
		EnsureTable(ctx context.Context) error
	}{principals, refresh, profiles, grants}
	for _, t := range tables {
		if err := t.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure table: %w", err)
		}
	}

	if grantAdmin != "" {
		defer db.Close()
		if err := grants.Upsert(ctx, aentity.Grant{ID: grantAdmin, Role: "admin"}); err != nil {
			return nil, fmt.Errorf("grant admin: %w", err)
		}
		sugar.Infow("admin granted", "principal_id", grantAdmin)
		return nil, nil
	}

	tokens, err := identity.NewTokenIssuer(cfg.Issuer, cfg.Audience, cfg.AccessTTL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	local := identity.NewLocalProvider(principals, refresh, identity.BcryptHasher{Cost: cfg.BcryptCost}, tokens, sugar.Named("identity"))
	local.RefreshTTL = cfg.RefreshTTL
	local.ClientID = cfg.Audience
	local.OnRecovery = onRecovery

	dsn, err := dbCfg.ConnString()
	if err != nil {
		db.Close()
		return nil, err
	}
	provisioner := prepo.NewProvisioner(dsn, irepo.PrincipalCreatedChannel, profiles, sugar.Named("provisioner"))

	return &backend{
		provider: local,
		profiles: profiles,
		grants:   grants,
		identity: identity.NewHandler(tokens),
		runners:  map[string]func(context.Context) error{"profile provisioner": provisioner.Run},
		close:    func() { db.Close() },
	}, nil
}

// recoverySink delivers local recovery tokens. There is no mail transport, so
// in dev mode the token goes to the log and otherwise it is dropped.
func recoverySink(dev bool, logger *zap.SugaredLogger) func(email, token string) {
	if !dev {
		logger.Warn("recovery tokens are not delivered outside dev mode")
		return func(email, _ string) {
			logger.Warnw("password recovery requested, token not delivered", "email", email)
		}
	}
	return func(email, token string) {
		logger.Infow("password recovery token", "email", email, "token", token, "redeem", "POST /auth/recover/verify")
	}
}

// supabaseBackend talks to a hosted project. Profile rows are expected to be
// created by the project's own trigger.
func supabaseBackend(cfg config.Config, sugar *zap.SugaredLogger) (*backend, error) {
	client, err := supa.NewClient(cfg.SupabaseURL, cfg.SupabaseKey)
	if err != nil {
		return nil, err
	}
	auth := supa.NewAuth(client.Auth, sugar.Named("gotrue"))
	return &backend{
		provider: auth,
		profiles: supa.NewProfileStore(client),
		grants:   supa.NewGrantStore(client),
		runners: map[string]func(context.Context) error{
			"session auto refresh": func(ctx context.Context) error {
				auth.AutoRefresh(ctx, 30*time.Second)
				return nil
			},
		},
		close: func() {},
	}, nil
}
