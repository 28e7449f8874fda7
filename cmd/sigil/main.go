package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Archline-Labs/sigil/pkg/access"
	"github.com/Archline-Labs/sigil/pkg/audit"
	"github.com/Archline-Labs/sigil/pkg/blob"
	"github.com/Archline-Labs/sigil/pkg/config"
	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/events"
	"github.com/Archline-Labs/sigil/pkg/idempotency"
	"github.com/Archline-Labs/sigil/pkg/keyring"
	"github.com/Archline-Labs/sigil/pkg/observability"
	"github.com/Archline-Labs/sigil/pkg/outbox"
	"github.com/Archline-Labs/sigil/pkg/policy"
	"github.com/Archline-Labs/sigil/pkg/ratelimit"
	"github.com/Archline-Labs/sigil/pkg/signing"
	"github.com/Archline-Labs/sigil/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for local/dev
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "outbox":
		return runOutbox(stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "keys":
		return runKeys(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "sigil - envelope signing workflow")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  sigil <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve     Run the signing workflow service")
	fmt.Fprintln(w, "  outbox    Run the outbox sweep publisher")
	fmt.Fprintln(w, "  migrate   Apply the database schema")
	fmt.Fprintln(w, "  keys      Manage signing keys (rotate|show)")
}

// buildObservability enables OTLP export only when an endpoint is set in
// the environment; otherwise every helper is a no-op.
func buildObservability(ctx context.Context) (*observability.Provider, error) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if cfg.Enabled {
		cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return observability.New(ctx, cfg)
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	driver := "postgres"
	dsn := cfg.DatabaseURL
	if strings.HasPrefix(dsn, "sqlite:") {
		driver = "sqlite"
		dsn = strings.TrimPrefix(dsn, "sqlite:")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// buildWorkflow wires the full dependency graph around a SQL store.
func buildWorkflow(ctx context.Context, cfg *config.Config, db *sql.DB, obs *observability.Provider, log *slog.Logger) (*signing.Service, *signing.Orchestrator, error) {
	sqlStore := store.NewSQL(db)
	outboxStore := store.NewSQLOutbox(db)

	blobs, err := blob.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}

	keys, err := keyring.Open(cfg.KeyringPath)
	if err != nil {
		return nil, nil, err
	}
	keyID := cfg.SigningKeyID
	if keyID == "" {
		keyID = keys.ActiveKeyID()
	}

	if cfg.TokenSecret == "" {
		return nil, nil, fmt.Errorf("INVITATION_TOKEN_SECRET is required")
	}
	minter := access.NewTokenMinter([]byte(cfg.TokenSecret))
	validator := access.NewValidator(sqlStore, sqlStore.Signers(), sqlStore.Tokens(), minter, log)

	var limiterStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		limiterStore = ratelimit.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
	}
	limiter := ratelimit.NewLimiter(limiterStore, nil)

	eventValidator, err := events.NewValidator()
	if err != nil {
		return nil, nil, err
	}

	var engine *policy.Engine
	if cfg.ProfilesDir != "" {
		engine, err = policy.NewEngine()
		if err != nil {
			return nil, nil, err
		}
		profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			return nil, nil, err
		}
		for code, profile := range profiles {
			for _, rule := range profile.Rules {
				if err := engine.LoadRule(rule.ID, rule.Expression); err != nil {
					return nil, nil, fmt.Errorf("profile %s: %w", code, err)
				}
			}
		}
	}

	orch := signing.NewOrchestrator(
		signing.Stores{
			Envelopes:  sqlStore,
			Signers:    sqlStore.Signers(),
			Tokens:     sqlStore.Tokens(),
			Consents:   sqlStore.Consents(),
			Signatures: sqlStore.Signatures(),
			Outbox:     outboxStore,
		},
		signing.Collaborators{
			Signer:   signing.NewLocalSigner(keys),
			Docs:     noopDocumentManager{log: log},
			Preparer: signing.NewBlobPreparer(blobs),
			Blobs:    blobs,
			Policy:   engine,
			Obs:      obs,
		},
		validator,
		envelope.NewLifecycle(),
		eventValidator,
		audit.NewLogger(),
		limiter,
		signing.Config{KeyID: keyID, Algorithm: cfg.SigningAlgo, MinAge: cfg.MinimumAge},
		log,
	)

	svc := signing.NewService(orch, minter, cfg.TokenTTL, log)
	svc.UseIdempotency(
		idempotency.NewExecutor(store.NewSQLIdempotency(db), store.ErrConditionFailed, store.ErrNotFound, log),
		24*time.Hour,
	)
	return svc, orch, nil
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := buildObservability(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer db.Close()

	if _, _, err := buildWorkflow(ctx, cfg, db, obs, log); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	log.Info("workflow service ready", "port", cfg.Port)
	<-ctx.Done()
	log.Info("shutting down")
	return 0
}

func runOutbox(stderr io.Writer) int {
	cfg := config.Load()
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := buildObservability(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer db.Close()

	var bus outbox.Bus = outbox.NewMemoryBus()
	if cfg.RedisAddr != "" {
		bus = outbox.NewRedisBus(cfg.RedisAddr, "", cfg.RedisDB, cfg.EventStream)
	}

	pub := outbox.NewPublisher(store.NewSQLOutbox(db), bus, outbox.PublisherConfig{
		BatchSize: cfg.OutboxBatchSize,
		Obs:       obs,
	}, log)

	log.Info("outbox sweep publisher running", "interval", cfg.OutboxInterval)
	pub.Run(ctx, cfg.OutboxInterval)
	return 0
}

func runMigrate(stdout, stderr io.Writer) int {
	cfg := config.Load()
	ctx := context.Background()

	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer db.Close()

	if err := store.NewSQL(db).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate aggregates: %v\n", err)
		return 1
	}
	if err := store.NewSQLOutbox(db).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate outbox: %v\n", err)
		return 1
	}
	if err := store.NewSQLIdempotency(db).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate idempotency: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "schema applied")
	return 0
}

func runKeys(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	keys, err := keyring.Open(cfg.KeyringPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "show":
		fmt.Fprintf(stdout, "active key: %s\n", keys.ActiveKeyID())
		return 0
	case "rotate":
		v, err := keys.Rotate()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "rotated to version %d (%s)\n", v, keys.ActiveKeyID())
		return 0
	default:
		fmt.Fprintf(stderr, "unknown keys subcommand: %s\n", sub)
		return 2
	}
}

// noopDocumentManager stands in until a downstream document service is
// configured; the orchestrator's fallback event still records every
// artifact.
type noopDocumentManager struct{ log *slog.Logger }

func (m noopDocumentManager) StoreFinalSignedPDF(ctx context.Context, documentID, envelopeID string, content []byte, signatureHash string, signedAt time.Time) error {
	m.log.Info("signed artifact ready, no document manager configured",
		"document_id", documentID, "envelope_id", envelopeID, "signature_hash", signatureHash)
	return nil
}
