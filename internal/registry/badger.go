package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
)

const keyPrefix = "registry/"

// BadgerStore persists entries in an embedded Badger database as JSON values
// under registry/<pipeline>/<canonical id>.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// BadgerOption configures OpenBadger.
type BadgerOption func(*badgerOptions)

type badgerOptions struct {
	logger   *slog.Logger
	inMemory bool
}

// WithLogger routes Badger's internal logging through logger.
func WithLogger(logger *slog.Logger) BadgerOption {
	return func(o *badgerOptions) { o.logger = logger }
}

// InMemory opens Badger without touching disk. The path argument is ignored.
func InMemory() BadgerOption {
	return func(o *badgerOptions) { o.inMemory = true }
}

// badgerLogger adapts slog to badger.Logger. Badger's info chatter is
// demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// OpenBadger opens or creates the registry database at path.
func OpenBadger(path string, opts ...BadgerOption) (*BadgerStore, error) {
	cfg := badgerOptions{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.NewNop()
	}

	var bopts badger.Options
	if cfg.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("registry: badger path is required")
		}
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, fmt.Errorf("registry: create %s: %w", path, err)
			}
		case err != nil:
			return nil, fmt.Errorf("registry: stat %s: %w", path, err)
		case !info.IsDir():
			return nil, fmt.Errorf("registry: %s is not a directory", path)
		}
		bopts = badger.DefaultOptions(path)
	}
	bopts.Logger = &badgerLogger{logger: cfg.logger}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("registry: open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: cfg.logger}, nil
}

func entryKey(pipelineName, canonicalID string) []byte {
	return []byte(keyPrefix + pipelineName + "/" + canonicalID)
}

func pipelinePrefix(pipelineName string) []byte {
	return []byte(keyPrefix + pipelineName + "/")
}

// withTx runs fn in a transaction. Write transactions are committed when fn
// succeeds; any error discards the transaction.
func (s *BadgerStore) withTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	tx := s.db.NewTransaction(isWrite)
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	if isWrite {
		return tx.Commit()
	}
	return nil
}

func (s *BadgerStore) GetEntry(ctx context.Context, pipelineName, canonicalID string) (*pipeline.RegistryEntry, error) {
	if err := validateKey(pipelineName, canonicalID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *pipeline.RegistryEntry
	err := s.withTx(func(tx *badger.Txn) error {
		item, err := tx.Get(entryKey(pipelineName, canonicalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded pipeline.RegistryEntry
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode registry entry: %w", err)
			}
			entry = &decoded
			return nil
		})
	}, false)
	if err != nil {
		return nil, fmt.Errorf("registry: get %s/%s: %w", pipelineName, canonicalID, err)
	}
	return entry, nil
}

func (s *BadgerStore) Upsert(ctx context.Context, pipelineName string, entry pipeline.RegistryEntry) error {
	if err := validateKey(pipelineName, entry.CanonicalID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}
	err = s.withTx(func(tx *badger.Txn) error {
		return tx.Set(entryKey(pipelineName, entry.CanonicalID), payload)
	}, true)
	if err != nil {
		return fmt.Errorf("registry: upsert %s/%s: %w", pipelineName, entry.CanonicalID, err)
	}
	return nil
}

func (s *BadgerStore) Entries(ctx context.Context, pipelineName string) ([]pipeline.RegistryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []pipeline.RegistryEntry
	err := s.withTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pipelinePrefix(pipelineName)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var entry pipeline.RegistryEntry
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", iter.Item().Key(), err)
			}
			out = append(out, entry)
		}
		return nil
	}, false)
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", pipelineName, err)
	}
	return out, nil
}

// Close closes the database. It is safe to call more than once.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil || s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}
