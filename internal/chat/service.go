// Package chat is the message lifecycle engine. It accepts messages, moves
// them through sent, delivered and read, tombstones deleted and expired
// ones, and tells the connected participants about every transition.
//
// Every operation takes the authenticated user id as actor. Operations that
// assert a user id of their own fail with ErrUnauthorized when the two differ.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"tsubame/internal/fanout"
	"tsubame/internal/metrics"
	"tsubame/internal/model"
	"tsubame/internal/presence"
	"tsubame/internal/ratelimit"
	"tsubame/internal/scheduler"
)

var tracer = otel.Tracer("tsubame/internal/chat")

// Store is the persistence the engine needs
type Store interface {
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkRead(ctx context.Context, receiverID, senderID int64, cutoff, at time.Time) ([]model.ReadReceipt, error)
	UpdatePayload(ctx context.Context, id int64, payload string) (bool, error)
	Tombstone(ctx context.Context, id int64) (bool, error)
	Expire(ctx context.Context, id int64) (bool, error)
	Hide(ctx context.Context, id, userID int64) error
	HideConversation(ctx context.Context, userID, peerID int64) (int, error)
	Conversation(ctx context.Context, a, b int64, limit, offset int) ([]model.Message, error)
	PendingFor(ctx context.Context, receiverID int64) ([]model.Message, error)
	ReadDisappearing(ctx context.Context) ([]model.ExpiryCandidate, error)
	SetPresence(ctx context.Context, userID int64, online bool, lastSeen *time.Time) error
	Presence(ctx context.Context, userID int64) (model.Presence, error)
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
}

// Options tunes a Service. Zero values use the defaults.
type Options struct {
	TTL         time.Duration
	ExpireRetry time.Duration
	Metrics     *metrics.Metrics
}

const (
	// flushTimeout bounds one backlog flush to a connection
	flushTimeout = time.Minute

	recoverAttempts = 5
	recoverBackoff  = time.Second
)

type Service struct {
	store     Store
	registry  *presence.Registry
	fanout    *fanout.Fanout
	limiter   ratelimit.Limiter
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	now       func() time.Time

	recoverBackoff time.Duration

	// flushes holds the users whose backlog is being flushed. The value
	// asks the running flush for one more pass.
	flushMu sync.Mutex
	flushes map[int64]bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires the engine together
func NewService(st Store, registry *presence.Registry, fan *fanout.Fanout, limiter ratelimit.Limiter, opts Options) *Service {
	s := &Service{
		store:          st,
		registry:       registry,
		fanout:         fan,
		limiter:        limiter,
		metrics:        opts.Metrics,
		now:            time.Now,
		recoverBackoff: recoverBackoff,
		flushes:        make(map[int64]bool),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.scheduler = scheduler.New(st, s.expire, opts.TTL, opts.ExpireRetry, opts.Metrics)
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Recover re-arms disappearing message timers from the store. Call once
// on startup before accepting connections. A failing scan is retried
// with backoff before giving up.
func (s *Service) Recover(ctx context.Context) error {
	backoff := s.recoverBackoff
	var err error
	for attempt := 1; attempt <= recoverAttempts; attempt++ {
		if _, _, err = s.scheduler.Recover(ctx); err == nil {
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "Service.Recover",
			"attempt":  attempt,
			"error":    err,
		}).Warn("Timer recovery failed")
		if attempt == recoverAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return storeErr(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return storeErr(err)
}

// Close stops backlog flushes and disarms all expiry timers
func (s *Service) Close() {
	s.flushMu.Lock()
	s.closed = true
	s.flushMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.scheduler.Stop()
}

// Register binds conn to userID, supersedes any previous connection of
// that user, announces the user online and flushes undelivered messages.
// The flush waits for room in the connection's buffer, so it returns
// once the backlog is queued or the connection is gone.
func (s *Service) Register(ctx context.Context, userID int64, conn presence.Conn) error {
	prev := s.registry.Register(userID, conn)

	if err := s.store.SetPresence(ctx, userID, true, nil); err != nil {
		// 古い接続はまだ生きていれば元に戻す
		if !s.registry.Restore(userID, prev, conn) && prev != nil {
			_ = prev.Close()
		}
		s.metrics.SetConnected(s.registry.Count())
		return storeErr(err)
	}
	s.metrics.SetConnected(s.registry.Count())

	if prev != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Service.Register",
			"user_id":  userID,
			"old_conn": prev.ID(),
			"new_conn": conn.ID(),
		}).Info("Connection superseded")
		_ = prev.Close()
		s.registry.Unregister(prev.ID())
	}

	s.fanout.Broadcast(model.NewEvent(model.EventUserStatusChange, model.StatusEvent{
		UserID:   userID,
		IsOnline: true,
	}), userID)

	if s.beginFlush(userID) {
		s.flush(userID)
	}
	return nil
}

// Unregister drops a closed connection. A connection that was already
// superseded is ignored.
func (s *Service) Unregister(ctx context.Context, connID string) error {
	userID, ok := s.registry.Unregister(connID)
	if !ok {
		return nil
	}
	s.metrics.SetConnected(s.registry.Count())

	lastSeen := s.clock()
	if err := s.store.SetPresence(ctx, userID, false, &lastSeen); err != nil {
		return storeErr(err)
	}

	s.fanout.Broadcast(model.NewEvent(model.EventUserStatusChange, model.StatusEvent{
		UserID:   userID,
		IsOnline: false,
		LastSeen: &lastSeen,
	}), userID)
	return nil
}

// Presence reports whether userID is connected. The live registry wins
// over the stored flag.
func (s *Service) Presence(ctx context.Context, userID int64) (model.Presence, error) {
	if s.registry.Online(userID) {
		return model.Presence{UserID: userID, IsOnline: true}, nil
	}
	p, err := s.store.Presence(ctx, userID)
	if err != nil {
		return model.Presence{}, storeErr(err)
	}
	p.IsOnline = false
	return p, nil
}

// Typing forwards a typing indicator to the peer. Nothing is stored.
func (s *Service) Typing(actor, userID, peerID int64, isTyping bool) error {
	if actor != userID {
		return ErrUnauthorized
	}
	if peerID <= 0 || peerID == userID {
		return invalid("peer id %d", peerID)
	}
	s.fanout.Push(peerID, model.NewEvent(model.EventUserTyping, model.TypingEvent{
		UserID:   userID,
		IsTyping: isTyping,
	}))
	return nil
}

func receiveEvent(msg *model.Message, at time.Time) model.Event {
	out := *msg
	out.State = model.StateDelivered
	out.DeliveredAt = &at
	return model.NewEvent(model.EventReceiveMessage, out)
}

// deliver pushes a new message to its connected receiver and records the
// delivery. It reports whether the message moved to delivered. While a
// backlog flush runs for the receiver the message is left to that flush
// so it arrives after the older ones.
func (s *Service) deliver(ctx context.Context, msg *model.Message) bool {
	if !msg.State.Before(model.StateDelivered) {
		return false
	}
	if s.flushing(msg.ReceiverID) {
		s.requestFlush(msg.ReceiverID)
		return false
	}

	at := s.clock()
	if !s.fanout.Push(msg.ReceiverID, receiveEvent(msg, at)) {
		// バッファ溢れ。接続中なら待てるフラッシュに回す
		if s.registry.Online(msg.ReceiverID) {
			s.requestFlush(msg.ReceiverID)
		}
		return false
	}
	return s.recordDelivery(ctx, msg, at)
}

// recordDelivery moves a pushed message to delivered and tells the sender
func (s *Service) recordDelivery(ctx context.Context, msg *model.Message, at time.Time) bool {
	changed, err := s.store.MarkDelivered(ctx, msg.ID, at)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Service.deliver",
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Pushed message but failed to record delivery")
		return false
	}
	if !changed {
		return false
	}
	msg.State = model.StateDelivered
	msg.DeliveredAt = &at

	s.fanout.Push(msg.SenderID, model.NewEvent(model.EventMessageDelivered, model.DeliveredEvent{
		MessageID: msg.ID,
		Status:    model.StateDelivered,
		At:        at,
	}))
	return true
}

// beginFlush claims the backlog flush of userID. When one is already
// running it is asked for another pass instead and false is returned.
func (s *Service) beginFlush(userID int64) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if _, running := s.flushes[userID]; running {
		s.flushes[userID] = true
		return false
	}
	s.flushes[userID] = false
	return true
}

// endFlush releases the claim unless another pass was asked for
func (s *Service) endFlush(userID int64) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.flushes[userID] {
		s.flushes[userID] = false
		return false
	}
	delete(s.flushes, userID)
	return true
}

func (s *Service) flushing(userID int64) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	_, running := s.flushes[userID]
	return running
}

// requestFlush flushes the backlog of userID in the background
func (s *Service) requestFlush(userID int64) {
	s.flushMu.Lock()
	if s.closed {
		s.flushMu.Unlock()
		return
	}
	if _, running := s.flushes[userID]; running {
		s.flushes[userID] = true
		s.flushMu.Unlock()
		return
	}
	s.flushes[userID] = false
	s.wg.Add(1)
	s.flushMu.Unlock()

	go func() {
		defer s.wg.Done()
		s.flush(userID)
	}()
}

// flush delivers every sent message of userID in id order, repeating
// while passes are requested. The caller must hold the claim.
func (s *Service) flush(userID int64) {
	ctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
	defer cancel()

	for {
		s.flushPass(ctx, userID)
		if s.endFlush(userID) {
			return
		}
	}
}

func (s *Service) flushPass(ctx context.Context, userID int64) {
	pending, err := s.store.PendingFor(ctx, userID)
	if err != nil {
		// 次回接続時に再送される
		logrus.WithFields(logrus.Fields{
			"function": "Service.flush",
			"user_id":  userID,
			"error":    err,
		}).Warn("Failed to load pending messages")
		return
	}

	delivered := 0
	for i := range pending {
		msg := &pending[i]
		if !msg.State.Before(model.StateDelivered) {
			continue
		}
		at := s.clock()
		if !s.fanout.PushWait(ctx, userID, receiveEvent(msg, at)) {
			// 接続が閉じたか時間切れ。残りは sent のまま
			break
		}
		if s.recordDelivery(ctx, msg, at) {
			delivered++
		}
	}
	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Service.flush",
			"user_id":   userID,
			"pending":   len(pending),
			"delivered": delivered,
		}).Info("Flushed pending messages")
	}
}
