package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/Martian-dev/mailsync-infra/internal/api"
	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/config"
	"github.com/Martian-dev/mailsync-infra/internal/diag"
	"github.com/Martian-dev/mailsync-infra/internal/providers/gmail"
	"github.com/Martian-dev/mailsync-infra/internal/providers/imap"
	"github.com/Martian-dev/mailsync-infra/internal/providers/outlook"
	"github.com/Martian-dev/mailsync-infra/internal/queue"
	"github.com/Martian-dev/mailsync-infra/internal/store"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := queue.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := q.EnsureStream(ctx, sync.ContinuationSubjectPrefix); err != nil {
		return err
	}

	tokens := auth.NewTokenClient(cfg.TokenServiceURL)
	state := sync.NewStateMachine(st)
	policy := sync.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	svc := sync.NewService(st, state, providerFactory(tokens), policy, sync.Options{
		PageSize:          cfg.Sync.PageSize,
		MaxPagesPerRun:    cfg.Sync.MaxPagesPerRun,
		RunBudget:         cfg.Sync.RunBudget,
		ContinuationLimit: cfg.Sync.ContinuationLimit,
	}, log)

	sub, err := q.Subscribe(sync.ContinuationSubjectPrefix, func(payload []byte) error {
		return svc.HandleContinuation(ctx, payload)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	dispatcher := &sync.Dispatcher{Store: st, Pub: q, Log: log}
	go dispatcher.Run(ctx)

	doctor := &diag.Doctor{
		Store:             st,
		StallThreshold:    cfg.Diag.StallThreshold,
		ContinuationLimit: cfg.Sync.ContinuationLimit,
		Log:               log,
	}

	sweeper := cron.New(cron.WithSeconds())
	if _, err := sweeper.AddFunc(cfg.Diag.SweepSchedule, func() {
		if _, err := doctor.SweepStalled(ctx); err != nil {
			log.Error("stall sweep", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule stall sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	var verifier *auth.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return err
		}
	}

	server := &api.Server{
		Store:    st,
		Service:  svc,
		State:    state,
		Doctor:   doctor,
		Metrics:  diag.NewMetricsCache(cfg.Diag.MetricsTTL, nil),
		Verifier: verifier,
		Log:      log,
	}

	log.Info("mailsync listening", "addr", cfg.HTTPAddr)
	return server.Router().Run(cfg.HTTPAddr)
}

// providerFactory resolves an account's grant into a provider client.
func providerFactory(tokens *auth.TokenClient) sync.ProviderFactory {
	return func(ctx context.Context, account *store.Account) (sync.Client, error) {
		tok, err := tokens.GetToken(ctx, account.GrantRef)
		if err != nil {
			return nil, err
		}

		switch account.Provider {
		case "gmail":
			return gmail.New(ctx, tok)
		case "outlook":
			return outlook.New(ctx, tok)
		case "imap":
			// Generic IMAP grants carry the app password in the access
			// token; the endpoint follows the mailbox domain.
			return imap.New(imapAddr(account.EmailAddress), account.EmailAddress, tok.AccessToken), nil
		default:
			return nil, fmt.Errorf("unsupported provider %q", account.Provider)
		}
	}
}

func imapAddr(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "localhost:993"
	}
	return "imap." + domain + ":993"
}
