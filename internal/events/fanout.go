package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/domain"
)

// timelineSubject is the single NATS subject new events are republished to;
// live subscribers (dashboard, watchers) never need per-agent subjects
// since the sqlite store remains the queryable system of record.
const timelineSubject = "overstory.events.timeline"

// Fanout republishes appended events onto a local NATS connection for
// live subscribers. It is optional and additive: if disabled or
// disconnected, Append on the wrapped Store still succeeds and the
// durable row is still the authority.
type Fanout struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewFanout connects to the given NATS URL with a bounded-reconnect
// posture (bounded reconnect attempts, buffered reconnect window).
func NewFanout(url string, log *logger.Logger) (*Fanout, error) {
	if log == nil {
		log = logger.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("overstory-events"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(5*1024*1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("events fanout disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("events fanout reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats fanout: %w", err)
	}
	return &Fanout{conn: conn, log: log}, nil
}

// Publish best-effort republishes ev to live subscribers. Failures are
// logged, never returned — the durable append already succeeded.
func (f *Fanout) Publish(ev domain.StoredEvent) {
	if f == nil || f.conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.Warn("events fanout marshal failed", zap.Error(err))
		return
	}
	if err := f.conn.Publish(timelineSubject, data); err != nil {
		f.log.Warn("events fanout publish failed", zap.Error(err))
	}
}

// Subscribe registers handler for every fanned-out event. Returns a
// *nats.Subscription whose Unsubscribe a caller should defer.
func (f *Fanout) Subscribe(handler func(domain.StoredEvent)) (*nats.Subscription, error) {
	return f.conn.Subscribe(timelineSubject, func(msg *nats.Msg) {
		var ev domain.StoredEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			f.log.Warn("events fanout unmarshal failed", zap.Error(err))
			return
		}
		handler(ev)
	})
}

// Close drains and closes the underlying NATS connection.
func (f *Fanout) Close() {
	if f == nil || f.conn == nil {
		return
	}
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
	}
}

// AppendAndPublish appends ev durably then best-effort fans it out with
// its assigned id attached, the composition the watchdog/spawner
// use instead of calling Store.Append directly once fanout is enabled.
func AppendAndPublish(s *Store, f *Fanout, ev domain.StoredEvent) (int64, error) {
	id, err := s.Append(ev)
	if err != nil {
		return 0, err
	}
	ev.ID = id
	f.Publish(ev)
	return id, nil
}
