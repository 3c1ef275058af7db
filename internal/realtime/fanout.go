// Package realtime delivers tenant-scoped notifications to UI-facing
// transports.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lexbridge/internal/metrics"
)

// Publisher is fire-and-forget: callers never block on or retry a publish.
type Publisher interface {
	Publish(ctx context.Context, tenantID, topic string, payload interface{})
}

// Sink is one transport an event is delivered to.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt *Event) error
}

// DeliveryStatus represents the status of a delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Event is a notification tracked until every sink has accepted it.
type Event struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"createdAt"`
	AttemptCount int             `json:"attemptCount"`
	Status       DeliveryStatus  `json:"status"`
	LastError    string          `json:"lastError,omitempty"`

	delivered map[string]bool
	inFlight  bool
}

// Envelope is the wire body sent to every sink.
func (e *Event) Envelope() ([]byte, error) {
	return json.Marshal(struct {
		ID        string          `json:"id"`
		TenantID  string          `json:"tenantId"`
		Topic     string          `json:"topic"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"createdAt"`
	}{e.ID, e.TenantID, e.Topic, e.Payload, e.CreatedAt})
}

// DeliveryStats is a diagnostic snapshot of the fan-out.
type DeliveryStats struct {
	Status         string   `json:"status"`
	Sinks          []string `json:"sinks"`
	PendingEvents  int      `json:"pendingEvents"`
	Delivered      uint64   `json:"delivered"`
	Failed         uint64   `json:"failed"`
	MaxRetries     int      `json:"maxRetries"`
	TimeoutMs      int64    `json:"timeoutMs"`
	RetryBackoffMs int64    `json:"retryBackoffMs"`
}

// Fanout delivers each event to all sinks in parallel and retries the sinks
// that failed, up to maxRetries attempts.
type Fanout struct {
	mu           sync.RWMutex
	sinks        []Sink
	pending      map[string]*Event
	delivered    uint64
	failed       uint64
	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewFanout creates a fan-out over sinks. With no sinks, Publish only logs.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:        sinks,
		pending:      make(map[string]*Event),
		maxRetries:   3,
		retryBackoff: 2 * time.Second,
		timeout:      10 * time.Second,
	}
}

// Start launches the retry loop.
func (f *Fanout) Start() {
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.processRetries()

	log.Info().
		Int("sinks", len(f.sinks)).
		Int("maxRetries", f.maxRetries).
		Dur("timeout", f.timeout).
		Msg("Realtime fan-out started")
}

// Stop ends the retry loop; undelivered events are dropped.
func (f *Fanout) Stop() {
	if f.stop == nil {
		return
	}
	f.stopOnce.Do(func() {
		close(f.stop)
		<-f.done
	})
}

func (f *Fanout) Publish(_ context.Context, tenantID, topic string, payload interface{}) {
	if !IsValidTopic(topic) {
		log.Warn().Str("topic", topic).Msg("Refusing to publish unknown topic")
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal realtime payload")
		return
	}
	evt := &Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   raw,
		CreatedAt: time.Now(),
		Status:    DeliveryStatusPending,
		delivered: make(map[string]bool),
	}

	log.Debug().Str("eventID", evt.ID).Str("tenantID", tenantID).Str("topic", topic).Msg("Publishing realtime event")
	if len(f.sinks) == 0 {
		return
	}

	f.mu.Lock()
	f.pending[evt.ID] = evt
	evt.inFlight = true
	f.mu.Unlock()

	go f.processDelivery(evt)
}

func (f *Fanout) processDelivery(evt *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	f.mu.RLock()
	targets := make([]Sink, 0, len(f.sinks))
	for _, sink := range f.sinks {
		if !evt.delivered[sink.Name()] {
			targets = append(targets, sink)
		}
	}
	f.mu.RUnlock()

	type result struct {
		sink string
		err  error
	}
	results := make(chan result, len(targets))
	var wg sync.WaitGroup
	for _, sink := range targets {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			results <- result{sink: s.Name(), err: s.Deliver(ctx, evt)}
		}(sink)
	}
	wg.Wait()
	close(results)

	f.mu.Lock()
	defer f.mu.Unlock()

	allSuccess := true
	for r := range results {
		if r.err != nil {
			allSuccess = false
			evt.LastError = r.err.Error()
			metrics.Deliveries.WithLabelValues(r.sink, "error").Inc()
			log.Warn().Err(r.err).Str("eventID", evt.ID).Str("sink", r.sink).Msg("Realtime delivery failed")
			continue
		}
		evt.delivered[r.sink] = true
		metrics.Deliveries.WithLabelValues(r.sink, "ok").Inc()
	}

	evt.AttemptCount++
	evt.inFlight = false
	switch {
	case allSuccess:
		evt.Status = DeliveryStatusDelivered
		delete(f.pending, evt.ID)
		f.delivered++
	case evt.AttemptCount >= f.maxRetries:
		evt.Status = DeliveryStatusFailed
		delete(f.pending, evt.ID)
		f.failed++
		log.Error().
			Str("eventID", evt.ID).
			Str("topic", evt.Topic).
			Int("attemptCount", evt.AttemptCount).
			Str("lastError", evt.LastError).
			Msg("Realtime event delivery failed permanently")
	}
}

func (f *Fanout) processRetries() {
	defer close(f.done)
	ticker := time.NewTicker(f.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.retryPending()
		}
	}
}

// retryPending redelivers events that are neither in flight nor exhausted.
func (f *Fanout) retryPending() {
	f.mu.Lock()
	var toRetry []*Event
	for _, evt := range f.pending {
		if !evt.inFlight && evt.AttemptCount < f.maxRetries {
			evt.inFlight = true
			toRetry = append(toRetry, evt)
		}
	}
	f.mu.Unlock()

	for _, evt := range toRetry {
		log.Info().Str("eventID", evt.ID).Int("attemptCount", evt.AttemptCount).Msg("Retrying realtime event delivery")
		go f.processDelivery(evt)
	}
}

// Stats returns delivery counters for diagnostics.
func (f *Fanout) Stats() DeliveryStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return DeliveryStats{
		Status:         "running",
		Sinks:          names,
		PendingEvents:  len(f.pending),
		Delivered:      f.delivered,
		Failed:         f.failed,
		MaxRetries:     f.maxRetries,
		TimeoutMs:      f.timeout.Milliseconds(),
		RetryBackoffMs: f.retryBackoff.Milliseconds(),
	}
}

// Pending lists up to limit undelivered events, oldest first, optionally
// filtered by tenant.
func (f *Fanout) Pending(tenantID string, limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Event, 0)
	for _, evt := range f.pending {
		if tenantID == "" || evt.TenantID == tenantID {
			out = append(out, *evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Event returns a copy of a pending event.
func (f *Fanout) Event(id string) (Event, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	evt, ok := f.pending[id]
	if !ok {
		return Event{}, false
	}
	return *evt, true
}

// Retry redelivers one pending event now, or every idle pending event when
// id is empty. It reports false for an unknown or in-flight event.
func (f *Fanout) Retry(id string) bool {
	if id == "" {
		f.retryPending()
		return true
	}
	f.mu.Lock()
	evt, ok := f.pending[id]
	if !ok || evt.inFlight {
		f.mu.Unlock()
		return false
	}
	evt.inFlight = true
	f.mu.Unlock()

	log.Info().Str("eventID", id).Msg("Forced realtime event retry")
	go f.processDelivery(evt)
	return true
}
