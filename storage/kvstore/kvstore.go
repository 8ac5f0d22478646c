// Package kvstore is the storage.Store backed by a NATS JetStream key-value
// bucket. Updates are compare-and-swap loops, so several relay instances can
// share one bucket.
package kvstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/metric"
	"github.com/anqori/anchorwatch/natsclient"
	"github.com/anqori/anchorwatch/storage"
)

// DefaultBucket holds the relay's merge entries.
const DefaultBucket = "anchorwatch_relay"

// Config selects the bucket.
type Config struct {
	Bucket string
	// Replicas of the bucket stream; 0 means 1.
	Replicas int
	// MaxRetries is the CAS retry budget per update.
	MaxRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers operation metrics. Nil disables them.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Store) { s.registry = registry }
}

// Store implements storage.Store on a KV bucket.
type Store struct {
	kv       *natsclient.KVStore
	bucket   string
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *storeMetrics
}

var _ storage.Store = (*Store)(nil)

// New opens or creates the bucket on client.
func New(ctx context.Context, client *natsclient.Client, cfg Config, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "kvstore", "New", "check nats client")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	s := &Store{bucket: cfg.Bucket, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kvstore", "bucket", cfg.Bucket)

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "anchorwatch relay latest state, config and tracks",
		History:     1,
		Replicas:    max(1, cfg.Replicas),
	})
	if err != nil {
		return nil, errors.Wrap(err, "kvstore", "New", "open bucket")
	}
	s.kv = client.NewKVStore(bucket, func(o *natsclient.KVOptions) {
		if cfg.MaxRetries > 0 {
			o.MaxRetries = cfg.MaxRetries
		}
	})

	m, err := newStoreMetrics(s.registry, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore", "New", "register metrics")
	}
	s.metrics = m
	return s, nil
}

func (s *Store) Backend() string { return "kv" }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	entry, err := s.kv.Get(ctx, key)
	s.metrics.observe("get", start, err)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "kvstore", "Get", "lookup "+key)
		}
		return nil, errors.WrapTransient(err, "kvstore", "Get", "read "+key)
	}
	return entry.Value, nil
}

func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	start := time.Now()
	err := s.kv.UpdateWithRetry(ctx, key, fn)
	if stderrors.Is(err, storage.ErrSkipWrite) {
		err = nil
	}
	s.metrics.observe("update", start, err)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, natsclient.ErrKVMaxRetriesExceeded):
		s.logger.Warn("update gave up after conflicts", "key", key)
		return errors.WrapTransient(err, "kvstore", "Update", "compare and swap "+key)
	}
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.kv.Keys(ctx, prefix)
	s.metrics.observe("list", start, err)
	if err != nil {
		return nil, errors.WrapTransient(err, "kvstore", "List", "list keys")
	}
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.kv.Delete(ctx, key)
	if natsclient.IsKVNotFoundError(err) {
		err = nil
	}
	s.metrics.observe("delete", start, err)
	if err != nil {
		return errors.WrapTransient(err, "kvstore", "Delete", "delete "+key)
	}
	return nil
}
