package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"dracanus/internal/domain"
	"dracanus/internal/logging"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
	relayFlushTimeout    = 5 * time.Second
)

// EventSource is the slice of the store the relay reads.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type RelayOptions struct {
	Interval time.Duration
	Batch    int
	// Types limits relayed event types; empty relays all of them.
	Types  []string
	Logger *zap.Logger
}

// Relay forwards audit events appended after it starts to
// <prefix>.events.<type>, in id order. A failed publish stops the pass so
// the event is retried on the next tick.
type Relay struct {
	source   EventSource
	conn     *nats.Conn
	prefix   string
	interval time.Duration
	batch    int
	filter   typeFilter
	logger   *zap.Logger

	cursor  int64
	started bool
}

func NewRelay(source EventSource, conn *nats.Conn, prefix string, opts RelayOptions) *Relay {
	r := &Relay{
		source:   source,
		conn:     conn,
		prefix:   prefix,
		interval: opts.Interval,
		batch:    opts.Batch,
		filter:   newTypeFilter(opts.Types),
		logger:   logging.OrNop(opts.Logger),
	}
	if r.interval <= 0 {
		r.interval = defaultRelayInterval
	}
	if r.batch <= 0 {
		r.batch = defaultRelayBatch
	}
	return r
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("event relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll relays one batch and returns how many events were published. The
// first call only positions the cursor at the newest event.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !r.started {
		cur, err := r.source.LatestEventID(ctx)
		if err != nil {
			return 0, fmt.Errorf("init relay cursor: %w", err)
		}
		r.cursor = cur
		r.started = true
		return 0, nil
	}
	evts, err := r.source.EventsAfter(ctx, r.cursor, r.batch)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	sent := 0
	for _, evt := range evts {
		if r.filter.match(evt.Type) {
			if err := r.publish(evt); err != nil {
				return sent, err
			}
			sent++
		}
		r.cursor = evt.ID
	}
	if sent > 0 {
		fctx, cancel := context.WithTimeout(ctx, relayFlushTimeout)
		err := r.conn.FlushWithContext(fctx)
		cancel()
		if err != nil {
			return sent, fmt.Errorf("flush: %w", err)
		}
	}
	return sent, nil
}

// Cursor is the id of the last event handled.
func (r *Relay) Cursor() int64 { return r.cursor }

type relayedEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	OwnerID    string          `json:"owner_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (r *Relay) publish(evt domain.Event) error {
	body := relayedEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		OwnerID:    evt.OwnerID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			body.Payload = json.RawMessage(evt.Payload)
		} else {
			body.PayloadRaw = evt.Payload
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(EventSubject(r.prefix, evt.Type))
	msg.Data = data
	msg.Header.Set("Dracanus-Event", evt.Type)
	msg.Header.Set(nats.MsgIdHdr, strconv.FormatInt(evt.ID, 10))
	if err := r.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event %d: %w", evt.ID, err)
	}
	return nil
}

type typeFilter map[string]struct{}

func newTypeFilter(types []string) typeFilter {
	if len(types) == 0 {
		return nil
	}
	f := typeFilter{}
	for _, t := range types {
		if t != "" {
			f[t] = struct{}{}
		}
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

func (f typeFilter) match(evtType string) bool {
	if f == nil {
		return true
	}
	_, ok := f[evtType]
	return ok
}
