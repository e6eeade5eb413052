package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/unbond/controller/internal/controller"
	"github.com/meridianlabs/unbond/controller/internal/metrics"
	"github.com/meridianlabs/unbond/controller/internal/server"
	"github.com/meridianlabs/unbond/core/pkg/provider"
	"github.com/meridianlabs/unbond/core/pkg/store"
	"github.com/meridianlabs/unbond/core/pkg/vault"
	"github.com/meridianlabs/unbond/reserve/pkg/client"
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
	addrFlag := pflag.String("addr", envOr("UNBOND_CONTROLLER_ADDR", "0.0.0.0:8080"), "Address to listen on")
	postgresDSNFlag := pflag.String("postgres-dsn", os.Getenv("UNBOND_POSTGRES_DSN"), "Postgres DSN; empty uses the in-memory store")
	migrateFlag := pflag.Bool("migrate", false, "Run database migrations on startup")
	vaultURLFlag := pflag.String("vault-url", os.Getenv("UNBOND_VAULT_URL"), "Base URL of the lending vault")
	providerKindFlag := pflag.String("provider-kind", envOr("UNBOND_PROVIDER_KIND", "contract"), "Staking provider kind (eris, gravedigger, quark, contract)")
	providerURLFlag := pflag.String("provider-url", os.Getenv("UNBOND_PROVIDER_URL"), "Base URL of the staking provider")
	reserveURLFlag := pflag.String("reserve-url", os.Getenv("UNBOND_RESERVE_URL"), "Base URL of the reserve service")
	controllerIDFlag := pflag.String("controller-id", envOr("UNBOND_CONTROLLER_ID", "controller-1"), "Identity presented to the reserve")
	ownerFlag := pflag.String("owner", envOr("UNBOND_OWNER", "owner"), "Principal allowed to change broker parameters")
	minRateFlag := pflag.String("min-rate", envOr("UNBOND_MIN_RATE", "0.03"), "Interest rate floor used when pricing offers")
	durationFlag := pflag.Duration("unbond-duration", 14*24*time.Hour, "Provider unbonding window")
	protocolFeeFlag := pflag.String("protocol-fee-rate", envOr("UNBOND_PROTOCOL_FEE_RATE", "0.25"), "Protocol cut of settlement profit")
	pflag.Parse()

	log := logger.New(*verboseFlag)

	if *vaultURLFlag == "" {
		return fmt.Errorf("--vault-url is required")
	}
	if *providerURLFlag == "" {
		return fmt.Errorf("--provider-url is required")
	}
	if *reserveURLFlag == "" {
		return fmt.Errorf("--reserve-url is required")
	}

	minRate, err := decimal.NewFromString(*minRateFlag)
	if err != nil {
		return fmt.Errorf("invalid min rate: %w", err)
	}
	protocolFeeRate, err := decimal.NewFromString(*protocolFeeFlag)
	if err != nil {
		return fmt.Errorf("invalid protocol fee rate: %w", err)
	}

	providerKind, err := provider.ParseKind(*providerKindFlag)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	seed := store.BrokerConfig{
		Owner:    *ownerFlag,
		MinRate:  minRate,
		Duration: *durationFlag,
	}

	var ctrlStore store.ControllerStore
	if *postgresDSNFlag != "" {
		if *migrateFlag {
			if err := store.Migrate(log, *postgresDSNFlag); err != nil {
				return err
			}
		}
		ctrlStore, err = store.NewPostgresControllerStore(ctx, *postgresDSNFlag, seed)
		if err != nil {
			return err
		}
		log.Info("using postgres store")
	} else {
		ctrlStore = store.NewMemoryControllerStore(seed)
		log.Warn("using in-memory store, state will not survive restarts")
	}
	defer ctrlStore.Close()

	unbonder, err := provider.New(provider.Config{
		Kind:    providerKind,
		BaseURL: *providerURLFlag,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	ctrl, err := controller.New(controller.Config{
		Logger:          log,
		Store:           ctrlStore,
		Vault:           vault.NewClient(*vaultURLFlag, log),
		Provider:        unbonder,
		Reserve:         client.New(*reserveURLFlag, *controllerIDFlag, log),
		ProtocolFeeRate: protocolFeeRate,
	})
	if err != nil {
		return err
	}

	srv, err := server.NewServer(server.Config{
		Logger:     log,
		Controller: ctrl,
		Addr:       *addrFlag,
		Version:    version,
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

	log.Info("controller started",
		"version", version,
		"addr", *addrFlag,
		"provider_kind", providerKind,
	)
	return g.Wait()
}
