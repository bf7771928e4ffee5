package events

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrValidation is returned for malformed webhook registrations/updates.
	ErrValidation = errors.New("webhook validation failed")

	// ErrWebhookNotFound is returned when an id resolves to neither the
	// active set nor the archive.
	ErrWebhookNotFound = errors.New("webhook not found")
)

// Webhook is one subscriber endpoint. Deleting a webhook archives it
// instead of destroying it, so audit trails that reference its id never
// dangle.
type Webhook struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Events      []Kind     `json:"events"`
	Enabled     bool       `json:"enabled"`
	Secret      string     `json:"secret,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
}

// SubscribedTo reports whether the webhook wants events of kind k.
func (w *Webhook) SubscribedTo(k Kind) bool {
	for _, e := range w.Events {
		if e == k {
			return true
		}
	}
	return false
}

func (w *Webhook) clone() *Webhook {
	cp := *w
	cp.Events = append([]Kind(nil), w.Events...)
	if w.ArchivedAt != nil {
		t := *w.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}

// WebhookSpec carries the caller-supplied fields for registration.
type WebhookSpec struct {
	URL         string `json:"url"`
	Events      []Kind `json:"events"`
	Enabled     *bool  `json:"enabled,omitempty"` // nil defaults to true
	Secret      string `json:"secret,omitempty"`
	Description string `json:"description,omitempty"`
}

// WebhookUpdate is a partial update; nil fields are left untouched.
type WebhookUpdate struct {
	URL         *string `json:"url,omitempty"`
	Events      []Kind  `json:"events,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	Secret      *string `json:"secret,omitempty"`
	Description *string `json:"description,omitempty"`
}

// registry holds the active and archived subscriber sets under one lock.
// Lookups resolve against both stores.
type registry struct {
	mu       sync.RWMutex
	active   map[string]*Webhook
	archived map[string]*Webhook
	seq      uint64
}

func newRegistry() *registry {
	return &registry{
		active:   make(map[string]*Webhook),
		archived: make(map[string]*Webhook),
	}
}

func (r *registry) nextID() string {
	r.seq++
	return fmt.Sprintf("wh-%d-%d", r.seq, time.Now().UnixMilli())
}

func validateEvents(kinds []Kind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("%w: events must not be empty", ErrValidation)
	}
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown event kind %q", ErrValidation, k)
		}
	}
	return nil
}

func (r *registry) register(spec WebhookSpec) (*Webhook, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrValidation)
	}
	if err := validateEvents(spec.Events); err != nil {
		return nil, err
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	now := time.Now().UTC()
	wh := &Webhook{
		URL:         spec.URL,
		Events:      append([]Kind(nil), spec.Events...),
		Enabled:     enabled,
		Secret:      spec.Secret,
		Description: spec.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	wh.ID = r.nextID()
	r.active[wh.ID] = wh
	r.mu.Unlock()

	return wh.clone(), nil
}

func (r *registry) update(id string, upd WebhookUpdate) (*Webhook, error) {
	if upd.Events != nil {
		if err := validateEvents(upd.Events); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wh, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}

	if upd.URL != nil {
		if *upd.URL == "" {
			return nil, fmt.Errorf("%w: url is required", ErrValidation)
		}
		wh.URL = *upd.URL
	}
	if upd.Events != nil {
		wh.Events = append([]Kind(nil), upd.Events...)
	}
	if upd.Enabled != nil {
		wh.Enabled = *upd.Enabled
	}
	if upd.Secret != nil {
		wh.Secret = *upd.Secret
	}
	if upd.Description != nil {
		wh.Description = *upd.Description
	}
	wh.UpdatedAt = time.Now().UTC()

	return wh.clone(), nil
}

// archive moves a webhook out of the active set. Returns false if id is
// not currently active.
func (r *registry) archive(id string) (*Webhook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wh, ok := r.active[id]
	if !ok {
		return nil, false
	}
	delete(r.active, id)

	now := time.Now().UTC()
	wh.ArchivedAt = &now
	r.archived[id] = wh

	return wh.clone(), true
}

// restore reverses archival, clearing the archive stamp. The restored
// subscription is byte-for-byte the original one.
func (r *registry) restore(id string) (*Webhook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wh, ok := r.archived[id]
	if !ok {
		return nil, false
	}
	delete(r.archived, id)

	wh.ArchivedAt = nil
	r.active[id] = wh

	return wh.clone(), true
}

// get resolves id against the active set first, then the archive.
func (r *registry) get(id string) (*Webhook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if wh, ok := r.active[id]; ok {
		return wh.clone(), true
	}
	if wh, ok := r.archived[id]; ok {
		return wh.clone(), true
	}
	return nil, false
}

func (r *registry) listActive() []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Webhook, 0, len(r.active))
	for _, wh := range r.active {
		out = append(out, wh.clone())
	}
	return out
}

func (r *registry) listArchived() []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Webhook, 0, len(r.archived))
	for _, wh := range r.archived {
		out = append(out, wh.clone())
	}
	return out
}

// matching returns enabled active webhooks subscribed to kind k.
func (r *registry) matching(k Kind) []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Webhook
	for _, wh := range r.active {
		if wh.Enabled && wh.SubscribedTo(k) {
			out = append(out, wh.clone())
		}
	}
	return out
}

// load seeds the registry from persisted records on startup.
func (r *registry) load(active, archived []*Webhook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, wh := range active {
		r.active[wh.ID] = wh.clone()
	}
	for _, wh := range archived {
		r.archived[wh.ID] = wh.clone()
	}
}
