package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"relay-transcript-monitor/internal/store"
)

// Stable storage keys for the two persisted sets.
const (
	KeyEventIDs    = "transcription-processed-requests"
	KeySegmentKeys = "transcription-processed-segments"
)

// Persister saves and loads store snapshots as two JSON string arrays.
type Persister struct {
	blobs store.Store
}

// NewPersister creates a persister over blobs.
func NewPersister(blobs store.Store) *Persister {
	return &Persister{blobs: blobs}
}

// Load reads both sets. Missing keys load as empty sets; a corrupt key is
// logged and treated as empty so that ingestion can proceed.
func (p *Persister) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.EventIDs, err = p.loadKey(ctx, KeyEventIDs); err != nil {
		return Snapshot{}, err
	}
	if snap.SegmentKeys, err = p.loadKey(ctx, KeySegmentKeys); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Save writes both sets.
func (p *Persister) Save(ctx context.Context, snap Snapshot) error {
	if err := p.saveKey(ctx, KeyEventIDs, snap.EventIDs); err != nil {
		return err
	}
	return p.saveKey(ctx, KeySegmentKeys, snap.SegmentKeys)
}

// Clear deletes both keys.
func (p *Persister) Clear(ctx context.Context) error {
	if err := p.blobs.Delete(ctx, KeyEventIDs, KeySegmentKeys); err != nil {
		return fmt.Errorf("clear dedup state: %w", err)
	}
	return nil
}

func (p *Persister) loadKey(ctx context.Context, key string) ([]string, error) {
	raw, err := p.blobs.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Ignoring corrupt dedup state")
		return nil, nil
	}
	return ids, nil
}

func (p *Persister) saveKey(ctx context.Context, key string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := p.blobs.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
