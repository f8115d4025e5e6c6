package relay

import (
	"context"

	"github.com/matheus3301/wppsync/internal/store"
)

// DeltaSet describes store changes observed since the previous detection
// interval.
type DeltaSet struct {
	NewMessages      bool
	ReadStateChanged bool
	Conversations    []int64
}

// Empty reports whether nothing changed.
func (d DeltaSet) Empty() bool {
	return !d.NewMessages && !d.ReadStateChanged
}

// Detector is the change-detection boundary. Kept as an interface so the
// polling implementation can be swapped for a real notification bus
// without touching the relay server.
type Detector interface {
	DetectChanges(ctx context.Context) (DeltaSet, error)
}

// fingerprint is the small per-conversation summary the detector diffs.
// No message payloads: the relay stays stateless regarding content.
type fingerprint struct {
	updatedAt  int64
	unread     int
	checkpoint int64
}

// StoreDetector fingerprints recently-updated conversations and diffs the
// fingerprints between polls.
type StoreDetector struct {
	db    *store.DB
	limit int
	prev  map[int64]fingerprint
}

// NewStoreDetector creates a detector over the sync store.
func NewStoreDetector(db *store.DB) *StoreDetector {
	return &StoreDetector{db: db, limit: 200}
}

// DetectChanges diffs the current conversation fingerprints against the
// previous poll. The first call only establishes the baseline.
func (d *StoreDetector) DetectChanges(ctx context.Context) (DeltaSet, error) {
	convs, err := d.db.ListConversations(ctx, d.limit)
	if err != nil {
		return DeltaSet{}, err
	}

	cur := make(map[int64]fingerprint, len(convs))
	for _, c := range convs {
		cur[c.ID] = fingerprint{
			updatedAt:  c.UpdatedAt,
			unread:     c.UnreadCount,
			checkpoint: c.LastSyncedMessageID,
		}
	}

	if d.prev == nil {
		d.prev = cur
		return DeltaSet{}, nil
	}

	var delta DeltaSet
	for id, fp := range cur {
		old, seen := d.prev[id]
		if !seen {
			delta.NewMessages = true
			delta.Conversations = append(delta.Conversations, id)
			continue
		}
		if fp == old {
			continue
		}
		delta.Conversations = append(delta.Conversations, id)
		if fp.checkpoint != old.checkpoint || fp.updatedAt != old.updatedAt {
			delta.NewMessages = true
		}
		if fp.unread != old.unread {
			delta.ReadStateChanged = true
		}
	}

	d.prev = cur
	return delta, nil
}
