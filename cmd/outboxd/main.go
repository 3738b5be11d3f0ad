// Command outboxd is a thin composition-root binary demonstrating how the
// outbox, idempotency, consumer, and compensation packages wire together
// against a real database and broker, following the shape of the Teacher
// library's own examples/*/service.go programs (HTTP entity endpoint +
// background dispatcher, graceful shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
	"go.uber.org/zap"

	"github.com/relaymq/outbox"
	"github.com/relaymq/outbox/broker"
	"github.com/relaymq/outbox/broker/amqpbroker"
	"github.com/relaymq/outbox/broker/kafkabroker"
	"github.com/relaymq/outbox/broker/natsbroker"
	"github.com/relaymq/outbox/compensation"
	"github.com/relaymq/outbox/idempotency"
	"github.com/relaymq/outbox/internal/config"
)

type entity struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxd: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	dialect, err := parseDialect(cfg.DBDialect)
	if err != nil {
		log.Fatal("outboxd: bad dialect", zap.Error(err))
	}

	db, err := sql.Open(driverFor(dialect), cfg.DBDSN)
	if err != nil {
		log.Fatal("outboxd: failed to open database", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	store := outbox.NewStore(db, dialect).WithLogger(log)
	idemStore := idempotency.NewStore(db, dialect)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.CreateSchema(ctx); err != nil {
		log.Fatal("outboxd: failed to create outbox schema", zap.Error(err))
	}
	if err := idemStore.CreateSchema(ctx); err != nil {
		log.Fatal("outboxd: failed to create idempotency schema", zap.Error(err))
	}
	cancel()

	adapter, err := dialBroker(cfg, log)
	if err != nil {
		log.Fatal("outboxd: failed to connect to broker", zap.Error(err))
	}
	defer func() { _ = adapter.Close() }()

	producer := outbox.NewProducer(store)
	dispatcher := outbox.NewDispatcher(store, broker.AsSender(adapter),
		outbox.WithBatchSize(cfg.DispatcherBatchSize),
		outbox.WithMaxRetry(cfg.DispatcherMaxRetry),
		outbox.WithPollInterval(cfg.DispatcherPollInterval),
		outbox.WithLogger(log),
	)
	scanner := compensation.NewScanner(store, idemStore,
		compensation.WithBatchSize(cfg.ScannerBatchSize),
		compensation.WithPollInterval(cfg.ScannerPollInterval),
		compensation.WithLogger(log),
	)

	runCtx, stop := context.WithCancel(context.Background())
	go func() {
		if err := dispatcher.Run(runCtx, 0); err != nil && err != context.Canceled {
			log.Error("outboxd: dispatcher stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := scanner.Run(runCtx, 0); err != nil && err != context.Canceled {
			log.Error("outboxd: scanner stopped", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/entity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		e := entity{ID: uuid.New(), CreatedAt: time.Now().UTC()}
		payload, err := json.Marshal(e)
		if err != nil {
			http.Error(w, "failed to marshal entity", http.StatusInternalServerError)
			return
		}

		if err := producer.Begin(r.Context()); err != nil {
			http.Error(w, "failed to begin transaction", http.StatusInternalServerError)
			return
		}
		if _, err := producer.Prepare(cfg.Topic, payload, nil); err != nil {
			_ = producer.Rollback(r.Context())
			http.Error(w, "failed to stage message", http.StatusInternalServerError)
			return
		}
		if err := producer.Commit(r.Context()); err != nil {
			http.Error(w, "failed to commit outbox message", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(payload)
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		log.Info("outboxd: http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("outboxd: http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("outboxd: shutting down")
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("outboxd: http server forced shutdown", zap.Error(err))
	}
}

func parseDialect(raw string) (outbox.SQLDialect, error) {
	switch outbox.SQLDialect(raw) {
	case outbox.SQLDialectPostgres, outbox.SQLDialectMySQL, outbox.SQLDialectMariaDB,
		outbox.SQLDialectSQLite, outbox.SQLDialectOracle, outbox.SQLDialectSQLServer:
		return outbox.SQLDialect(raw), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", raw)
	}
}

func driverFor(dialect outbox.SQLDialect) string {
	switch dialect {
	case outbox.SQLDialectPostgres:
		return "pgx"
	case outbox.SQLDialectMySQL, outbox.SQLDialectMariaDB:
		return "mysql"
	case outbox.SQLDialectSQLite:
		return "sqlite3"
	case outbox.SQLDialectOracle:
		return "oracle"
	case outbox.SQLDialectSQLServer:
		return "sqlserver"
	default:
		return "pgx"
	}
}

func dialBroker(cfg *config.Config, log *zap.Logger) (broker.Adapter, error) {
	switch cfg.BrokerKind {
	case "kafka":
		return kafkabroker.New([]string{cfg.BrokerURL}, "outboxd", kafkabroker.WithLogger(log)), nil
	case "nats":
		return natsbroker.Connect(cfg.BrokerURL, "outboxd", natsbroker.WithLogger(log))
	default:
		return amqpbroker.Dial(cfg.BrokerURL, cfg.Topic, amqpbroker.WithLogger(log))
	}
}
