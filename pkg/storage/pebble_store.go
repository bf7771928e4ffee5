// Package storage persists webhook subscriptions (active and archived),
// order records and event history in Pebble, so the registry and audit
// trail survive restarts.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/quantavia/tradecore/pkg/events"
	"github.com/quantavia/tradecore/pkg/trading"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Webhook Registry Persistence
// ============================================================================

// SaveWebhook persists an active webhook. Registry mutations use Sync:
// losing a subscriber record is worse than a slower write.
func (s *PebbleStore) SaveWebhook(wh *events.Webhook) error {
	return s.putJSON(webhookKey(wh.ID), wh, pebble.Sync, "webhook")
}

// DeleteWebhook removes a webhook from the active bucket (it moves to
// the archive bucket, it is not destroyed).
func (s *PebbleStore) DeleteWebhook(id string) error {
	if err := s.db.Delete(webhookKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// SaveArchivedWebhook persists a webhook into the archive bucket.
func (s *PebbleStore) SaveArchivedWebhook(wh *events.Webhook) error {
	return s.putJSON(archivedKey(wh.ID), wh, pebble.Sync, "archived webhook")
}

// DeleteArchivedWebhook removes a restored webhook from the archive.
func (s *PebbleStore) DeleteArchivedWebhook(id string) error {
	if err := s.db.Delete(archivedKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete archived webhook: %w", err)
	}
	return nil
}

// LoadWebhooks loads both subscriber stores for registry seeding at
// startup.
func (s *PebbleStore) LoadWebhooks() (active, archived []*events.Webhook, err error) {
	active, err = s.scanWebhooks(prefixWebhook)
	if err != nil {
		return nil, nil, err
	}
	archived, err = s.scanWebhooks(prefixArchived)
	if err != nil {
		return nil, nil, err
	}
	return active, archived, nil
}

func (s *PebbleStore) scanWebhooks(prefix string) ([]*events.Webhook, error) {
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*events.Webhook
	for iter.First(); iter.Valid(); iter.Next() {
		var wh events.Webhook
		if err := json.Unmarshal(iter.Value(), &wh); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, &wh)
	}
	return out, nil
}

// ============================================================================
// Order Persistence
// ============================================================================

// SaveOrder persists an order record, overwriting on status change.
func (s *PebbleStore) SaveOrder(o *trading.Order) error {
	return s.putJSON(orderKey(o.ID), o, pebble.Sync, "order")
}

// LoadOrder loads one order record. Returns nil if absent.
func (s *PebbleStore) LoadOrder(id string) (*trading.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o trading.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// ============================================================================
// Event History Persistence
// ============================================================================

// SaveEvent appends a published event. History writes use NoSync: the
// in-memory ring is authoritative within a run and losing the last few
// entries on crash is acceptable for observability data.
func (s *PebbleStore) SaveEvent(ev *events.Event) error {
	return s.putJSON(eventKey(ev.Timestamp.UnixMilli(), ev.ID), ev, pebble.NoSync, "event")
}

// LoadRecentEvents loads the most recent N persisted events, newest
// first.
func (s *PebbleStore) LoadRecentEvents(limit int) ([]*events.Event, error) {
	lower := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*events.Event
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var ev events.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (s *PebbleStore) putJSON(key []byte, v any, opts *pebble.WriteOptions, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	if err := s.db.Set(key, data, opts); err != nil {
		return fmt.Errorf("failed to save %s: %w", what, err)
	}
	return nil
}

var (
	_ events.Store       = (*PebbleStore)(nil)
	_ trading.OrderStore = (*PebbleStore)(nil)
)
