package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emberly.app/internal/auth"
	"emberly.app/internal/config"
	"emberly.app/internal/httpapi"
	"emberly.app/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

// logSender writes two-factor codes to the structured log. Real
// deliveries go through the notification service; this sender backs
// development and staging.
type logSender struct{}

func (logSender) Send(_ context.Context, user *auth.User, method, code string) error {
	obs.LogJSON(map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"type":    "twofactor_delivery",
		"user_id": user.ID,
		"method":  method,
		"code":    code,
	})
	return nil
}

func main() {
	cfg := config.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store auth.Store
		db    *sql.DB
	)
	if cfg.DatabaseDSN != "" {
		pg, err := auth.OpenPG(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pg.Close()
		store = pg
		db = pg.DB()
	} else {
		log.Printf("no EMBERLY_PG_DSN set, using in-memory store")
		store = auth.NewMemStore()
	}

	tokens, err := auth.NewTokenService(store, cfg.Issuer, cfg.AccessTokenSecret, cfg.RefreshTokenSecret,
		auth.WithAccessTTL(cfg.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	svc := auth.NewService(auth.ServiceParams{
		Store:      store,
		Tokens:     tokens,
		Sessions:   auth.NewSessionManager(store, cfg.SessionIdleTTL, cfg.SessionMaxTTL, nil),
		Devices:    auth.NewDeviceTrustEngine(store, cfg.TrustThreshold, nil),
		Limiter:    auth.NewRateLimiter(store, cfg.RateLimitWindow, cfg.RateLimitMax, nil),
		Lockouts:   auth.NewLockoutPolicy(store, cfg.LockoutThreshold, cfg.LockoutDuration, nil),
		Challenger: auth.NewChallenger(store, logSender{}, cfg.TwoFactorCodeTTL, cfg.TwoFactorMaxAttempts, nil),
		Hasher:     auth.NewPasswordHasher(cfg.BcryptCost),
		Events:     auth.NewRecorder(store, nil),
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go auth.NewSweeper(store, cfg.SweepInterval, nil).Run(sweepCtx)

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, version, httpapi.Options{})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting emberly-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("shutting down...")

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("stopped")
}
