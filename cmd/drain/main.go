package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"till/internal/journal"
	"till/internal/metrics"
	"till/internal/remote"
	"till/internal/store"
	"till/internal/syncer"
)

// One-shot manual drain of the pending queue. Run it against the same data
// directory while tilld is stopped, e.g. after a terminal swap.
func main() {
	var (
		backendURL     string
		dataDir        string
		storeBackend   string
		journalDir     string
		requestTimeout time.Duration
		attemptTimeout time.Duration
	)
	flag.StringVar(&backendURL, "backend-url", "http://localhost:8000", "backend base URL")
	flag.StringVar(&dataDir, "data-dir", "./data/till", "durable store directory")
	flag.StringVar(&storeBackend, "store-backend", "pebble", "store backend: pebble|badger")
	flag.StringVar(&journalDir, "journal-dir", "./journal", "journal directory")
	flag.DurationVar(&requestTimeout, "request-timeout", 10*time.Second, "per-request timeout")
	flag.DurationVar(&attemptTimeout, "attempt-timeout", 10*time.Second, "per-transaction submission timeout")
	flag.Parse()

	if err := run(backendURL, dataDir, storeBackend, journalDir, requestTimeout, attemptTimeout); err != nil {
		log.Fatalf("drain failed: %v", err)
	}
}

func run(backendURL, dataDir, storeBackend, journalDir string, requestTimeout, attemptTimeout time.Duration) error {
	var db store.Store
	var err error
	switch storeBackend {
	case "pebble":
		db, err = store.NewPebbleStore(dataDir)
	case "badger":
		db, err = store.NewBadgerStore(dataDir)
	default:
		return fmt.Errorf("unknown store backend %q", storeBackend)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	jw, err := journal.NewFileWriter(journalDir, "till.jsonl")
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}

	client := remote.NewClient(backendURL, requestTimeout)
	sc := syncer.NewCoordinator(db, client, jw, metrics.NewRegistry(), attemptTimeout)

	res, err := sc.Drain(context.Background())
	if err != nil {
		return err
	}
	log.Printf("drain completed: submitted=%d failed=%d left=%d", res.Submitted, res.Failed, res.LeftPending)
	return nil
}
