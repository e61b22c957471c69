package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"quorumkv/internal/message"
	"quorumkv/internal/metrics"
)

var (
	ErrEmptyKey  = errors.New("key must not be empty")
	ErrCancelled = errors.New("transaction was cancelled")
)

const defaultHistorySize = 4096

type outcome uint8

const (
	outcomeApplied outcome = iota + 1
	outcomeCancelled
)

// Service is the storage applier. It remembers the outcome of the most
// recent transactions so a retried Apply or Cancel is a no-op.
type Service struct {
	store *Store

	mu      sync.Mutex
	history map[uint64]outcome
	order   []uint64
	limit   int
}

func NewService() *Service {
	return &Service{
		store:   NewStore(),
		history: make(map[uint64]outcome),
		limit:   defaultHistorySize,
	}
}

func (s *Service) Get(key string) ([]byte, bool) {
	metrics.StorageOperationsTotal.WithLabelValues("get").Inc()
	v, ok := s.store.Get(key)
	return slices.Clone(v), ok
}

func (s *Service) Len() int {
	return s.store.Len()
}

func (s *Service) Data() map[string][]byte {
	return s.store.Data()
}

func (s *Service) Apply(txnID uint64, writes []message.Write) error {
	for _, w := range writes {
		if w.Key == "" {
			return fmt.Errorf("txn %d: %w", txnID, ErrEmptyKey)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.history[txnID] {
	case outcomeApplied:
		return nil
	case outcomeCancelled:
		return fmt.Errorf("txn %d: %w", txnID, ErrCancelled)
	}

	batch := make([]message.Write, len(writes))
	for i, w := range writes {
		batch[i] = message.Write{Key: w.Key, Value: slices.Clone(w.Value), Delete: w.Delete}
		if w.Delete {
			metrics.StorageOperationsTotal.WithLabelValues("delete").Inc()
		} else {
			metrics.StorageOperationsTotal.WithLabelValues("set").Inc()
		}
	}
	s.store.ApplyBatch(batch)
	s.remember(txnID, outcomeApplied)

	metrics.StorageKeysTotal.Set(float64(s.store.Len()))
	slog.Debug("applied transaction", "txn_id", txnID, "writes", len(writes))

	return nil
}

func (s *Service) Cancel(txnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.history[txnID]; seen {
		return
	}
	s.remember(txnID, outcomeCancelled)
	metrics.StorageOperationsTotal.WithLabelValues("cancel").Inc()
}

func (s *Service) remember(txnID uint64, o outcome) {
	s.history[txnID] = o
	s.order = append(s.order, txnID)
	if len(s.order) > s.limit {
		delete(s.history, s.order[0])
		s.order = s.order[1:]
	}
}
