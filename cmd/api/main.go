package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion"
	delrepo "github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion/repo"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/kit"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/mail"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist"
	wlrepo "github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/repo"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/cache"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/utilities"
)

func main() {
	// best-effort: a missing .env falls back to the real environment
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-waitlist-go")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(sugar)
	bus.Subscribe(events.AuditLogger(sugar))
	bus.Subscribe(metrics.EventCounter())

	store, closeStore, err := openStore(ctx, sugar)
	if err != nil {
		sugar.Fatalf("entry store: %v", err)
	}
	defer closeStore()

	// redis is opened lazily and shared by the token store and the rate limiter
	var rdb *redis.Client
	redisClient := func() *redis.Client {
		if rdb == nil {
			c, err := cache.Connect(cache.ConfigFromEnv())
			if err != nil {
				sugar.Fatalf("redis connect: %v", err)
			}
			rdb = c
		}
		return rdb
	}
	defer func() {
		if rdb != nil {
			_ = rdb.Close()
		}
	}()

	delCfg := deletion.ConfigFromEnv()
	var tokens deletion.TokenRepo
	switch delCfg.Backend {
	case "redis":
		tokens = delrepo.NewRedisRepo(redisClient())
	default:
		tokens = delrepo.NewMemoryRepo()
	}

	var notifier deletion.Notifier
	if m, err := mail.New(mail.ConfigFromEnv()); err != nil {
		sugar.Warnw("sendgrid mailer disabled", "reason", err)
		notifier = mail.LogNotifier{Logger: sugar}
	} else {
		notifier = m
	}

	rlCfg := ratelimit.ConfigFromEnv()
	var limiter ratelimit.Limiter
	switch rlCfg.Backend {
	case "redis":
		limiter = ratelimit.NewRedisLimiter(redisClient(), rlCfg.Window, rlCfg.Max)
	default:
		ml := ratelimit.NewMemoryLimiter(rlCfg.Window, rlCfg.Max)
		go ml.Cleanup(ctx, time.Minute)
		limiter = ml
	}

	authn := auth.New(auth.ConfigFromEnv())
	if !authn.Enabled() {
		sugar.Warn("no internal credentials configured; POST /api/waitlist/position will reject every call")
	}

	wlSvc := waitlist.NewService(store, bus, waitlist.ConfigFromEnv())
	delSvc := deletion.NewService(store, tokens, notifier, bus, sugar, delCfg)
	kitCfg := kit.ConfigFromEnv()
	if kitCfg.Secret == "" {
		sugar.Warn("KIT_WEBHOOK_SECRET is not set")
	}

	routerCfg := router.ConfigFromEnv()
	if len(routerCfg.InvalidProxies) > 0 {
		sugar.Warnw("ignoring unparsable TRUSTED_PROXIES entries", "entries", routerCfg.InvalidProxies)
	}

	handler := router.RegisterRoutes(router.Deps{
		Logger:   sugar,
		Config:   routerCfg,
		Waitlist: waitlist.NewHandler(wlSvc, sugar, bus),
		Deletion: deletion.NewHandler(delSvc, sugar, bus),
		Kit:      kit.NewHandler(kit.NewService(store, sugar), kitCfg, sugar, bus),
		Auth:     authn,
		Limiter:  limiter,
	})

	go delSvc.Run(ctx)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	delSvc.Wait()

	sugar.Info("goodbye")
}

// openStore picks the entry store by STORE_DRIVER.
func openStore(ctx context.Context, logger *zap.SugaredLogger) (waitlist.Store, func(), error) {
	switch driver := os.Getenv("STORE_DRIVER"); driver {
	case "", "memory":
		logger.Warn("using in-memory entry store; data is lost on restart")
		return wlrepo.NewMemoryRepo(), func() {}, nil
	case "postgres":
		db, err := database.Connect(database.ConfigFromEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		r := wlrepo.NewPostgresRepo(db)
		if err := r.EnsureTable(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return r, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}
