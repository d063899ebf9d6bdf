package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"carflow/archive"
	"carflow/auction"
	"carflow/auth"
	"carflow/config"
	"carflow/db"
	"carflow/dispute"
	"carflow/escrow"
	"carflow/events"
	"carflow/gateway"
	"carflow/jobs"
	"carflow/outbox"
	"carflow/payments"
	"carflow/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("settlementd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// app is the assembled settlement core.
type app struct {
	auth      *auth.Service
	gateway   *gateway.Gateway
	relay     *outbox.Relay
	closer    *jobs.AuctionCloser
	escalator *jobs.DisputeEscalator
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.relay.Run(ctx) })
	g.Go(func() error { return a.closer.Run(ctx) })
	if a.escalator != nil {
		g.Go(func() error { return a.escalator.Run(ctx) })
	}
	logger.Info("settlementd ready",
		slog.Bool("postgres", cfg.DatabaseURL != ""),
		slog.Bool("archive", cfg.ArchiveDSN != ""),
		slog.Bool("kafka", len(cfg.KafkaBrokers) > 0),
		slog.Bool("escalation", a.escalator != nil),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type stores struct {
	outbox   outbox.Store
	auctions auction.Store
	escrows  escrow.Store
	disputes dispute.Store
	accounts auth.Repository
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var st stores
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		ob := outbox.NewMemory()
		st = stores{
			outbox:   ob,
			auctions: auction.NewMemoryStore(ob),
			escrows:  escrow.NewMemoryStore(ob),
			disputes: dispute.NewMemoryStore(ob),
			accounts: auth.NewMemoryRepository(),
		}
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		st = stores{
			outbox:   outbox.NewRepository(pool),
			auctions: auction.NewRepository(pool),
			escrows:  escrow.NewRepository(pool),
			disputes: dispute.NewRepository(pool),
			accounts: auth.NewRepository(pool),
		}
	}

	var rail escrow.PaymentRail = payments.NewNop(logger)
	if cfg.PaymentWebhookURL != "" {
		rail = payments.NewWebhook(cfg.PaymentWebhookURL).WithLogger(logger)
	}

	auctions := auction.NewService(st.auctions).WithLogger(logger)
	escrows := escrow.NewService(st.escrows, rail).WithLogger(logger)
	coord := settlement.NewCoordinator(auctions, escrows).
		WithDefaultConditions(cfg.EscrowDefaultConditions).
		WithNeutralPolicy(cfg.Dispute.NeutralPolicy).
		WithLogger(logger)
	disputes := dispute.NewService(st.disputes, coord, cfg.Dispute.Policy()).WithLogger(logger)
	coord.WithDisputes(disputes)

	a.relay = outbox.NewRelay(st.outbox).
		WithInterval(cfg.OutboxPollInterval).
		WithMaxAttempts(cfg.OutboxMaxAttempts).
		WithBatchSize(cfg.OutboxBatchSize).
		WithLogger(logger)
	coord.Register(a.relay)

	if cfg.ArchiveDSN != "" {
		gdb, err := archive.Open(cfg.ArchiveDSN)
		if err != nil {
			return nil, err
		}
		archive.NewArchiver(gdb, auctions, escrows, disputes).WithLogger(logger).Register(a.relay)
	}

	if len(cfg.KafkaBrokers) > 0 {
		w, err := events.NewKafkaWriter(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		fwd := events.NewForwarder(w, cfg.KafkaTopicPrefix).WithLogger(logger)
		a.closers = append(a.closers, func() {
			if err := fwd.Close(); err != nil {
				logger.Warn("close kafka writer", slog.Any("error", err))
			}
		})
		fwd.Register(a.relay,
			auction.TopicClosed, auction.TopicCancelled, auction.TopicSettled,
			escrow.TopicOpened, escrow.TopicFunded, escrow.TopicHeld, escrow.TopicReleased, escrow.TopicRefunded,
			dispute.TopicFiled, dispute.TopicResolved,
		)
	}

	var lease jobs.Lease = jobs.LocalLease{}
	if cfg.RedisURL != "" {
		client, err := jobs.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		lease = jobs.NewRedisLease(client, uuid.NewString())
	}

	a.closer = jobs.NewAuctionCloser(auctions).
		WithInterval(cfg.AuctionSweepInterval).
		WithConcurrency(cfg.AuctionSweepConcurrency).
		WithLease(lease).
		WithLogger(logger)
	if cfg.Dispute.Timeout > 0 {
		a.escalator = jobs.NewDisputeEscalator(disputes).
			WithInterval(cfg.DisputeSweepInterval).
			WithLease(lease).
			WithLogger(logger)
	}

	a.auth = auth.NewService(st.accounts, cfg.JWTSecret).WithTokenTTL(cfg.JWTTTL)
	a.gateway = gateway.New(a.auth, auctions, escrows, disputes).WithLogger(logger)

	ok = true
	return a, nil
}
