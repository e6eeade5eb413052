package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/unbond/core/pkg/store"
	"github.com/meridianlabs/unbond/core/pkg/vault"
	"github.com/meridianlabs/unbond/reserve/internal/metrics"
	"github.com/meridianlabs/unbond/reserve/internal/server"
	"github.com/meridianlabs/unbond/reserve/pkg/pool"
	"github.com/meridianlabs/unbond/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := pflag.Bool("verbose", false, "Enable verbose (debug) logging")
	addrFlag := pflag.String("addr", envOr("UNBOND_RESERVE_ADDR", "0.0.0.0:8081"), "Address to listen on")
	postgresDSNFlag := pflag.String("postgres-dsn", os.Getenv("UNBOND_POSTGRES_DSN"), "Postgres DSN; empty uses the in-memory store")
	migrateFlag := pflag.Bool("migrate", false, "Run database migrations on startup")
	vaultURLFlag := pflag.String("vault-url", os.Getenv("UNBOND_VAULT_URL"), "Base URL of the lending vault")
	ownerFlag := pflag.String("owner", envOr("UNBOND_OWNER", "owner"), "Principal allowed to manage the controller whitelist")
	pflag.Parse()

	log := logger.New(*verboseFlag)

	if *vaultURLFlag == "" {
		return fmt.Errorf("--vault-url is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		reserveStore store.ReserveStore
		err          error
	)
	if *postgresDSNFlag != "" {
		if *migrateFlag {
			if err := store.Migrate(log, *postgresDSNFlag); err != nil {
				return err
			}
		}
		reserveStore, err = store.NewPostgresReserveStore(ctx, *postgresDSNFlag, *ownerFlag)
		if err != nil {
			return err
		}
		log.Info("using postgres store")
	} else {
		reserveStore = store.NewMemoryReserveStore(*ownerFlag)
		log.Warn("using in-memory store, state will not survive restarts")
	}
	defer reserveStore.Close()

	p, err := pool.New(pool.Config{
		Logger: log,
		Store:  reserveStore,
		Vault:  vault.NewClient(*vaultURLFlag, log),
	})
	if err != nil {
		return err
	}

	srv, err := server.NewServer(server.Config{
		Logger:  log,
		Pool:    p,
		Addr:    *addrFlag,
		Version: version,
	})
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("reserve started",
		"version", version,
		"addr", *addrFlag,
	)
	return g.Wait()
}
