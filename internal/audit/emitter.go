package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/models"
	"auth-gateway/internal/util"
)

// StreamSink publishes raw event bytes to the event bus.
type StreamSink interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// WarehouseSink appends events to the analytical store and answers the
// funnel counts built on it.
type WarehouseSink interface {
	InsertEvent(ctx context.Context, ev *models.AuthEvent) error
	CountRecentByKind(ctx context.Context, kind models.EventKind, window time.Duration) (uint64, error)
}

// SearchSink indexes events for audit queries.
type SearchSink interface {
	IndexEvent(ctx context.Context, ev *models.AuthEvent) error
	SearchByContact(ctx context.Context, contactHash string, limit int) ([]*models.AuthEvent, error)
}

// Emitter fans auth events out to the stream, warehouse and search sinks
// off the request path. The channel is bounded; when sinks fall behind,
// events are dropped with a warning rather than stalling auth requests.
type Emitter struct {
	stream    StreamSink
	warehouse WarehouseSink
	search    SearchSink
	bucketing *bucketing.BucketingManager

	events    chan *models.AuthEvent
	done      chan struct{}
	closeOnce sync.Once
}

const emitterBuffer = 1024

func NewEmitter(stream StreamSink, warehouse WarehouseSink, search SearchSink, bm *bucketing.BucketingManager) *Emitter {
	e := &Emitter{
		stream:    stream,
		warehouse: warehouse,
		search:    search,
		bucketing: bm,
		events:    make(chan *models.AuthEvent, emitterBuffer),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit records an auth event. Non-blocking: a full buffer drops the event.
func (e *Emitter) Emit(kind models.EventKind, fields ...func(*models.AuthEvent)) {
	ev := &models.AuthEvent{
		EventID:    uuid.New().String(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	}
	for _, f := range fields {
		f(ev)
	}

	select {
	case e.events <- ev:
	default:
		util.Warn("audit buffer full, dropping event", util.String("kind", string(kind)))
	}
}

// Field helpers for Emit.
func WithContact(contactHash string) func(*models.AuthEvent) {
	return func(ev *models.AuthEvent) { ev.ContactHash = contactHash }
}

func WithUser(userID string) func(*models.AuthEvent) {
	return func(ev *models.AuthEvent) { ev.UserID = userID }
}

func WithPurpose(purpose models.Purpose) func(*models.AuthEvent) {
	return func(ev *models.AuthEvent) { ev.Purpose = string(purpose) }
}

func WithChannel(channel string) func(*models.AuthEvent) {
	return func(ev *models.AuthEvent) { ev.Channel = channel }
}

func WithOutcome(outcome string) func(*models.AuthEvent) {
	return func(ev *models.AuthEvent) { ev.Outcome = outcome }
}

func WithRemoteIP(ip string) func(*models.AuthEvent) {
	return func(ev *models.AuthEvent) { ev.RemoteIP = ip }
}

func WithDetail(detail string) func(*models.AuthEvent) {
	return func(ev *models.AuthEvent) { ev.Detail = detail }
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.events {
		e.dispatch(ev)
	}
}

func (e *Emitter) dispatch(ev *models.AuthEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if e.stream != nil {
		g.Go(func() error {
			raw, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			// Partition by contact bucket so one contact's events stay ordered.
			key := strconv.Itoa(e.bucketing.ContactBucket(ev.ContactHash))
			return e.stream.Publish(gctx, key, raw)
		})
	}
	if e.warehouse != nil {
		g.Go(func() error {
			return e.warehouse.InsertEvent(gctx, ev)
		})
	}
	if e.search != nil {
		g.Go(func() error {
			return e.search.IndexEvent(gctx, ev)
		})
	}

	if err := g.Wait(); err != nil {
		util.Warn("audit sink write failed",
			util.String("kind", string(ev.Kind)),
			util.ErrorField(err))
	}
}

// statsWindow is the funnel-count granularity.
const statsWindow = time.Hour

// CountRecent reports events of a kind since the start of the current stats
// window. The window start is bucket-aligned, so successive calls within one
// window count over the same span instead of a sliding one.
func (e *Emitter) CountRecent(ctx context.Context, kind models.EventKind) (uint64, error) {
	if e.warehouse == nil {
		return 0, nil
	}
	start := e.bucketing.TimeBucket(statsWindow)
	return e.warehouse.CountRecentByKind(ctx, kind, time.Since(time.Unix(start, 0)))
}

// SearchByContact serves the audit query endpoint.
func (e *Emitter) SearchByContact(ctx context.Context, contactHash string, limit int) ([]*models.AuthEvent, error) {
	if e.search == nil {
		return nil, nil
	}
	return e.search.SearchByContact(ctx, contactHash, limit)
}

// Close stops intake and drains whatever the buffer holds.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.events)
		select {
		case <-e.done:
		case <-time.After(15 * time.Second):
			util.Warn("audit emitter drain timed out")
		}
	})
}
