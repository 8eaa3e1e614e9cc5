// Package store provides the key/value blob stores used to persist dedup
// state across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// ErrInvalidKey is returned for keys that cannot be stored.
var ErrInvalidKey = errors.New("store: invalid key")

// Store is an opaque key/value blob store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes the keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config selects and configures a Store implementation.
type Config struct {
	Driver          string
	Path            string
	PostgresURL     string
	PostgresMaxConn int32
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	log.Info().Str("driver", driver).Msg("Opening state store")

	switch driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverFile:
		return NewFile(cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, PostgresConfig{URL: cfg.PostgresURL, MaxConns: cfg.PostgresMaxConn})
	case DriverMongo:
		return OpenMongo(ctx, MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
