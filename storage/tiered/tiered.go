// Package tiered provides a Hot/Cold storage adapter: a durable backend
// (Cold) is the source of truth for every record, while idempotency records
// are also kept in a fast ephemeral store (Hot) so request replays are
// answered without touching the database.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/godonate/pkg/donation"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot caches idempotency records (e.g. Redis)
	Hot donation.IdempotencyStore

	// Cold is the durable storage (e.g. Postgres, Firestore) and source of truth
	Cold donation.Storage

	// AsyncHotWrites copies newly stored idempotency records to Hot in the
	// background. If false, the copy happens before SaveIdempotencyRecord
	// returns.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails or is dropped.
	AsyncErrorHandler func(error)
}

// Storage implements donation.Storage over two backends:
//   - Ledger, donors and webhook events: Cold only
//   - Idempotency reads: Read-Through (Hot → Cold → populate Hot)
//   - Idempotency writes: Write-Through (Cold decides, then Hot)
type Storage struct {
	donation.Storage // Cold

	hot  donation.IdempotencyStore
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ donation.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		Storage:   config.Cold,
		hot:       config.Hot,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		s.startWorker()
	}

	return s, nil
}

// Close stops the async worker after draining queued writes. It does not
// close the underlying stores.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) run(job func() error) {
	if err := job(); err != nil {
		s.reportError(fmt.Errorf("tiered hot write failed: %w", err))
	}
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// GetIdempotencyRecord reads Hot first and falls back to Cold, copying a
// Cold hit into Hot.
func (s *Storage) GetIdempotencyRecord(ctx context.Context, key string) (*donation.IdempotencyRecord, error) {
	rec, err := s.hot.GetIdempotencyRecord(ctx, key)
	if err == nil && rec != nil {
		return rec, nil
	}

	rec, err = s.Storage.GetIdempotencyRecord(ctx, key)
	if err != nil || rec == nil {
		return rec, err
	}

	// Cache fill; Cold already answered
	_, _ = s.hot.SaveIdempotencyRecord(ctx, rec) //nolint:errcheck // Cache fill - errors are non-critical
	return rec, nil
}

// SaveIdempotencyRecord lets Cold decide whether the key is new, then
// mirrors the record into Hot. A Hot failure never fails the call.
func (s *Storage) SaveIdempotencyRecord(ctx context.Context, rec *donation.IdempotencyRecord) (bool, error) {
	stored, err := s.Storage.SaveIdempotencyRecord(ctx, rec)
	if err != nil || !stored {
		return stored, err
	}

	if !s.conf.AsyncHotWrites {
		if _, err := s.hot.SaveIdempotencyRecord(ctx, rec); err != nil {
			s.reportError(fmt.Errorf("tiered storage: hot write failed: %w", err))
		}
		return true, nil
	}

	recClone := *rec
	select {
	case s.syncQueue <- func() error {
		// Background context so the copy survives request cancellation
		_, err := s.hot.SaveIdempotencyRecord(context.Background(), &recClone)
		return err
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping hot write"))
	}
	return true, nil
}
