// Package fanout routes events to the live connection of a user. Live
// pushes never block and an offline target simply misses the event;
// durable state is always in the store.
package fanout

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tsubame/internal/metrics"
	"tsubame/internal/model"
	"tsubame/internal/presence"
)

// Sink receives a copy of every lifecycle event, keyed by user
type Sink interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Fanout pushes events through the presence registry
type Fanout struct {
	registry *presence.Registry
	sink     Sink
	metrics  *metrics.Metrics
}

// New creates a Fanout. sink and m may be nil.
func New(registry *presence.Registry, sink Sink, m *metrics.Metrics) *Fanout {
	return &Fanout{registry: registry, sink: sink, metrics: m}
}

// Push sends ev to userID if connected and reports whether it was handed
// to the connection
func (f *Fanout) Push(userID int64, ev model.Event) bool {
	return f.push(userID, ev, func(conn presence.Conn) error {
		return conn.Send(ev)
	})
}

// PushWait is Push for backlog delivery: when the connection can wait for
// buffer room it blocks until ev is queued, the connection closes or ctx
// is done.
func (f *Fanout) PushWait(ctx context.Context, userID int64, ev model.Event) bool {
	return f.push(userID, ev, func(conn presence.Conn) error {
		if w, ok := conn.(presence.Waiter); ok {
			return w.SendWait(ctx, ev)
		}
		return conn.Send(ev)
	})
}

func (f *Fanout) push(userID int64, ev model.Event, send func(presence.Conn) error) bool {
	f.publish(userID, ev)

	conn, ok := f.registry.Resolve(userID)
	if !ok {
		f.metrics.Dropped(ev.Type)
		return false
	}
	if err := send(conn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Fanout.Push",
			"user_id":  userID,
			"conn_id":  conn.ID(),
			"event":    ev.Type,
			"error":    err,
		}).Warn("Event dropped")
		f.metrics.Dropped(ev.Type)
		return false
	}
	f.metrics.Pushed(ev.Type)
	return true
}

// Broadcast sends ev to every connected user except one
func (f *Fanout) Broadcast(ev model.Event, except int64) int {
	f.publish(0, ev)

	// スナップショットを取ってからロック外で送信
	sent := 0
	for userID, conn := range f.registry.Snapshot() {
		if userID == except {
			continue
		}
		if err := conn.Send(ev); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Fanout.Broadcast",
				"user_id":  userID,
				"event":    ev.Type,
				"error":    err,
			}).Debug("Broadcast skipped connection")
			f.metrics.Dropped(ev.Type)
			continue
		}
		f.metrics.Pushed(ev.Type)
		sent++
	}
	return sent
}

func (f *Fanout) publish(userID int64, ev model.Event) {
	if f.sink == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Fanout.publish",
			"event":    ev.Type,
			"error":    err,
		}).Error("Failed to encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.sink.Publish(ctx, strconv.FormatInt(userID, 10), body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Fanout.publish",
			"event":    ev.Type,
			"error":    err,
		}).Warn("Event sink rejected event")
	}
}
