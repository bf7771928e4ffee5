package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantavia/tradecore/pkg/util"
)

// Store persists the subscriber registry and event history across
// restarts. A nil Store keeps everything in memory only.
type Store interface {
	SaveWebhook(wh *Webhook) error
	DeleteWebhook(id string) error
	SaveArchivedWebhook(wh *Webhook) error
	DeleteArchivedWebhook(id string) error
	SaveEvent(ev *Event) error
}

// Config controls delivery behavior.
type Config struct {
	MaxAttempts    int           // total tries per subscriber per event
	BaseDelay      time.Duration // backoff after attempt n is BaseDelay * 2^(n-1)
	RequestTimeout time.Duration // per-request HTTP budget
	RatePerSecond  float64       // per-subscriber pacing; 0 disables
	HistorySize    int           // event history cap
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		RequestTimeout: 10 * time.Second,
		RatePerSecond:  10,
		HistorySize:    1000,
	}
}

// Dispatcher fans out typed events to subscribed webhooks with bounded
// retries, and owns the subscriber lifecycle (register, update,
// archive, restore). Delivery failures are recorded, never propagated:
// the state change an event describes has already happened.
type Dispatcher struct {
	// Store, when set, persists registry mutations and event history.
	// Assign before use; not safe to swap while publishing.
	Store Store

	// OnEvent, when set, is invoked after each publish completes (all
	// delivery budgets spent). Used to stream events to in-process
	// observers such as the websocket hub.
	OnEvent func(*Event)

	cfg    Config
	reg    *registry
	hist   *history
	client *http.Client
	clock  util.Clock
	log    *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	eventSeq uint64
}

func NewDispatcher(cfg Config, logger *zap.SugaredLogger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		cfg:      cfg,
		reg:      newRegistry(),
		hist:     newHistory(cfg.HistorySize),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		clock:    util.RealClock{},
		log:      logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// LoadWebhooks seeds the registry from persisted records on startup.
func (d *Dispatcher) LoadWebhooks(active, archived []*Webhook) {
	d.reg.load(active, archived)
}

// LoadHistory seeds the event history from persisted records, oldest
// first. Startup only; entries beyond the cap are evicted as usual.
func (d *Dispatcher) LoadHistory(evs []*Event) {
	for _, ev := range evs {
		d.hist.append(ev)
	}
}

// RegisterWebhook validates and stores a new subscriber. Enabled
// defaults to true when left unset.
func (d *Dispatcher) RegisterWebhook(spec WebhookSpec) (*Webhook, error) {
	wh, err := d.reg.register(spec)
	if err != nil {
		return nil, err
	}
	d.persistWebhook(wh)
	d.log.Infow("webhook_registered", "id", wh.ID, "url", wh.URL, "events", wh.Events)
	return wh, nil
}

// UpdateWebhook applies a partial update to an active subscriber.
func (d *Dispatcher) UpdateWebhook(id string, upd WebhookUpdate) (*Webhook, error) {
	wh, err := d.reg.update(id, upd)
	if err != nil {
		return nil, err
	}
	d.persistWebhook(wh)
	d.log.Infow("webhook_updated", "id", wh.ID)
	return wh, nil
}

// ArchiveWebhook moves a subscriber to the archive. Its id stays
// resolvable through GetWebhook so delivery records never dangle.
// Returns false if id is not currently active.
func (d *Dispatcher) ArchiveWebhook(id string) (*Webhook, bool) {
	wh, ok := d.reg.archive(id)
	if !ok {
		return nil, false
	}
	if d.Store != nil {
		if err := d.Store.DeleteWebhook(id); err != nil {
			d.log.Errorw("webhook_persist_failed", "id", id, "err", err)
		}
		if err := d.Store.SaveArchivedWebhook(wh); err != nil {
			d.log.Errorw("webhook_persist_failed", "id", id, "err", err)
		}
	}
	d.log.Infow("webhook_archived", "id", id)
	return wh, true
}

// RestoreWebhook reverses archival, reproducing the original
// subscription state with the archive stamp cleared.
func (d *Dispatcher) RestoreWebhook(id string) (*Webhook, bool) {
	wh, ok := d.reg.restore(id)
	if !ok {
		return nil, false
	}
	if d.Store != nil {
		if err := d.Store.DeleteArchivedWebhook(id); err != nil {
			d.log.Errorw("webhook_persist_failed", "id", id, "err", err)
		}
		if err := d.Store.SaveWebhook(wh); err != nil {
			d.log.Errorw("webhook_persist_failed", "id", id, "err", err)
		}
	}
	d.log.Infow("webhook_restored", "id", id)
	return wh, true
}

// GetWebhook resolves id against the active set, then the archive.
func (d *Dispatcher) GetWebhook(id string) (*Webhook, error) {
	wh, ok := d.reg.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	return wh, nil
}

// ListWebhooks returns all active subscribers.
func (d *Dispatcher) ListWebhooks() []*Webhook { return d.reg.listActive() }

// ListArchivedWebhooks returns the archive.
func (d *Dispatcher) ListArchivedWebhooks() []*Webhook { return d.reg.listArchived() }

// Publish delivers an event to every enabled subscriber of kind,
// retrying each independently until success or the attempt budget is
// spent. It blocks until all deliveries finish and never returns a
// delivery error; failures live in the returned event's Deliveries.
func (d *Dispatcher) Publish(ctx context.Context, kind Kind, data any) *Event {
	if ctx == nil {
		ctx = context.Background()
	}

	ev := &Event{
		ID:        d.nextEventID(),
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	targets := d.reg.matching(kind)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, wh := range targets {
		wg.Add(1)
		go func(wh *Webhook) {
			defer wg.Done()
			attempts := d.deliverWithRetry(ctx, wh, ev)
			mu.Lock()
			ev.Deliveries = append(ev.Deliveries, attempts...)
			mu.Unlock()
		}(wh)
	}
	wg.Wait()

	d.hist.append(ev)
	if d.Store != nil {
		if err := d.Store.SaveEvent(ev); err != nil {
			d.log.Errorw("event_persist_failed", "id", ev.ID, "err", err)
		}
	}

	d.log.Infow("event_published",
		"id", ev.ID, "kind", kind, "subscribers", len(targets))

	if d.OnEvent != nil {
		d.OnEvent(ev)
	}
	return ev
}

// TestWebhook sends a synthetic webhook.test event to one subscriber,
// bypassing fan-out selection, and returns the delivery result.
func (d *Dispatcher) TestWebhook(id string) ([]DeliveryAttempt, error) {
	wh, ok := d.reg.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}

	ev := &Event{
		ID:        d.nextEventID(),
		Kind:      KindWebhookTest,
		Data:      map[string]string{"message": "test delivery"},
		Timestamp: time.Now().UTC(),
	}
	return d.deliverWithRetry(context.Background(), wh, ev), nil
}

// EventHistory is a read-only query over the capped history.
func (d *Dispatcher) EventHistory(f HistoryFilter) []*Event { return d.hist.query(f) }

// deliverWithRetry runs one subscriber's retry loop: attempt 1
// immediately, then exponential backoff. The loop suspends only this
// subscriber's delivery.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, wh *Webhook, ev *Event) []DeliveryAttempt {
	attempts := make([]DeliveryAttempt, 0, d.cfg.MaxAttempts)

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.waitTurn(ctx, wh.ID); err != nil {
			attempts = append(attempts, DeliveryAttempt{
				WebhookID: wh.ID,
				Attempt:   attempt,
				Error:     fmt.Sprintf("delivery cancelled: %v", err),
			})
			break
		}

		att := d.deliverOnce(ctx, wh, ev, attempt)
		attempts = append(attempts, att)
		if att.Success {
			break
		}

		d.log.Warnw("webhook_delivery_failed",
			"webhook", wh.ID, "event", ev.ID, "attempt", attempt,
			"status", att.StatusCode, "err", att.Error)

		if attempt < d.cfg.MaxAttempts {
			delay := d.cfg.BaseDelay * (1 << (attempt - 1))
			if err := util.Sleep(ctx, d.clock, delay); err != nil {
				attempts = append(attempts, DeliveryAttempt{
					WebhookID: wh.ID,
					Attempt:   attempt + 1,
					Error:     fmt.Sprintf("delivery cancelled: %v", err),
				})
				break
			}
		}
	}
	return attempts
}

// deliverOnce performs one signed HTTP POST. Success is any 2xx status.
func (d *Dispatcher) deliverOnce(ctx context.Context, wh *Webhook, ev *Event, attempt int) DeliveryAttempt {
	att := DeliveryAttempt{WebhookID: wh.ID, Attempt: attempt}

	body, err := json.Marshal(payload{
		Event:     ev.Kind,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
		WebhookID: wh.ID,
	})
	if err != nil {
		att.Error = fmt.Sprintf("marshal payload: %v", err)
		return att
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		att.Error = fmt.Sprintf("build request: %v", err)
		return att
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(ev.Kind))
	if wh.Secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(wh.Secret, body))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	att.Duration = time.Since(start)
	if err != nil {
		att.Error = err.Error()
		return att
	}
	defer resp.Body.Close()

	att.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		att.Success = true
	} else {
		att.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
	return att
}

// waitTurn paces deliveries to one endpoint so a chatty publisher
// cannot hammer a subscriber.
func (d *Dispatcher) waitTurn(ctx context.Context, webhookID string) error {
	if d.cfg.RatePerSecond <= 0 {
		return nil
	}
	d.mu.Lock()
	lim, ok := d.limiters[webhookID]
	if !ok {
		burst := int(d.cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), burst)
		d.limiters[webhookID] = lim
	}
	d.mu.Unlock()
	return lim.Wait(ctx)
}

func (d *Dispatcher) nextEventID() string {
	d.mu.Lock()
	d.eventSeq++
	seq := d.eventSeq
	d.mu.Unlock()
	return fmt.Sprintf("evt-%d-%d", seq, time.Now().UnixMilli())
}

func (d *Dispatcher) persistWebhook(wh *Webhook) {
	if d.Store == nil {
		return
	}
	if err := d.Store.SaveWebhook(wh); err != nil {
		d.log.Errorw("webhook_persist_failed", "id", wh.ID, "err", err)
	}
}

// sign computes the hex HMAC-SHA256 of body under the shared secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
