package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"till/internal/api"
	"till/internal/cart"
	"till/internal/catalog"
	"till/internal/connectivity"
	"till/internal/journal"
	"till/internal/metrics"
	"till/internal/queue"
	"till/internal/remote"
	"till/internal/store"
	"till/internal/syncer"
)

// Config holds CLI flags for the terminal daemon.
type Config struct {
	Listen         string
	BackendURL     string
	DataDir        string
	StoreBackend   string // pebble|badger|memory
	RequestTimeout time.Duration
	PollInterval   time.Duration
	DrainInterval  time.Duration
	AttemptTimeout time.Duration
	// Journal sinks
	JournalSink    string // file|kafka|both|none
	JournalDir     string
	KafkaBootstrap string
	TopicJournal   string
}

func main() {
	cfg := readFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("tilld failed: %v", err)
	}
}

func readFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Listen, "listen", "127.0.0.1:7345", "local API listen address")
	flag.StringVar(&cfg.BackendURL, "backend-url", "http://localhost:8000", "backend base URL")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data/till", "durable store directory")
	flag.StringVar(&cfg.StoreBackend, "store-backend", "pebble", "store backend: pebble|badger|memory")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Second, "per-request timeout for backend calls")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", 30*time.Second, "connectivity fallback poll interval")
	flag.DurationVar(&cfg.DrainInterval, "drain-interval", 30*time.Second, "periodic drain interval")
	flag.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", 10*time.Second, "per-transaction submission timeout during drain")
	flag.StringVar(&cfg.JournalSink, "journal-sink", "file", "journal sink: file|kafka|both|none")
	flag.StringVar(&cfg.JournalDir, "journal-dir", "./journal", "journal directory for file sink")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", "", "kafka bootstrap servers, e.g. localhost:9092")
	flag.StringVar(&cfg.TopicJournal, "topic-journal", "till.journal", "kafka topic for the audit journal")
	flag.Parse()
	return cfg
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "pebble":
		return store.NewPebbleStore(cfg.DataDir)
	case "badger":
		return store.NewBadgerStore(cfg.DataDir)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildJournal(cfg Config) (journal.Writer, error) {
	var writers []journal.Writer
	if cfg.JournalSink == "file" || cfg.JournalSink == "both" {
		fw, err := journal.NewFileWriter(cfg.JournalDir, "till.jsonl")
		if err != nil {
			return nil, fmt.Errorf("init journal file: %w", err)
		}
		writers = append(writers, fw)
	}
	if (cfg.JournalSink == "kafka" || cfg.JournalSink == "both") && cfg.KafkaBootstrap != "" {
		writers = append(writers, journal.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicJournal))
	}
	switch len(writers) {
	case 0:
		return journal.Discard{}, nil
	case 1:
		return writers[0], nil
	default:
		return journal.NewMultiWriter(writers...), nil
	}
}

func run(cfg Config) error {
	log.Printf("starting tilld backend=%s store=%s data=%s", cfg.BackendURL, cfg.StoreBackend, cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	jw, err := buildJournal(cfg)
	if err != nil {
		return err
	}

	client := remote.NewClient(cfg.BackendURL, cfg.RequestTimeout)
	mreg := metrics.NewRegistry()

	mon := connectivity.NewMonitor(func(ctx context.Context) bool {
		return client.Health(ctx) == nil
	}, cfg.PollInterval)
	mon.Start(ctx)

	crt := cart.NewManager(db)
	if err := crt.Load(ctx); err != nil {
		return fmt.Errorf("restore cart: %w", err)
	}
	cat := catalog.NewManager(client, db, mreg)
	q := queue.NewManager(db, crt, client, mon, jw, mreg)
	sc := syncer.NewCoordinator(db, client, jw, mreg, cfg.AttemptTimeout)

	go sc.Run(ctx, mon, cfg.DrainInterval)

	// Badge refresh on the poll interval, independent of drains.
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.PendingCount(ctx); err != nil {
					log.Printf("pending count refresh: %v", err)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.NewServer(cat, crt, q, sc, mon, client, mreg).Router(),
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("local API listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	log.Printf("tilld stopped")
	return nil
}
