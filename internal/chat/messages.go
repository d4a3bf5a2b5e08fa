package chat

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tsubame/internal/model"
)

// Delete scopes
const (
	ScopeEveryone = "everyone"
	ScopeMe       = "me"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// SubmitRequest is a message as asserted by the client
type SubmitRequest struct {
	SenderID     int64      `json:"sender_id"`
	ReceiverID   int64      `json:"receiver_id"`
	Payload      string     `json:"message"`
	Kind         model.Kind `json:"type"`
	Disappearing bool       `json:"is_disappearing"`
	ReplyToID    *int64     `json:"reply_to_id"`
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Submit persists a new message in the sent state and delivers it right
// away when the receiver is connected. The returned message carries the
// store assigned id and the state reached.
func (s *Service) Submit(ctx context.Context, actor int64, req SubmitRequest) (msg *model.Message, err error) {
	ctx, span := tracer.Start(ctx, "chat.Submit", trace.WithAttributes(
		attribute.Int64("sender_id", req.SenderID),
		attribute.Int64("receiver_id", req.ReceiverID),
	))
	defer func() { endSpan(span, err) }()

	if req.SenderID != actor {
		s.metrics.Submitted("unauthorized")
		return nil, ErrUnauthorized
	}
	if req.Kind == "" {
		req.Kind = model.KindText
	}
	switch {
	case req.ReceiverID <= 0 || req.ReceiverID == req.SenderID:
		return nil, invalid("receiver id %d", req.ReceiverID)
	case strings.TrimSpace(req.Payload) == "":
		return nil, invalid("message is required")
	case !req.Kind.Valid():
		return nil, invalid("unknown message type %q", req.Kind)
	}

	if !s.limiter.Allow(ctx, req.SenderID) {
		s.metrics.Submitted("rate_limited")
		return nil, ErrRateLimited
	}

	blocked, err := s.store.IsBlocked(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		s.metrics.Submitted("error")
		return nil, storeErr(err)
	}
	if blocked {
		s.metrics.Submitted("blocked")
		return nil, ErrBlocked
	}

	msg = &model.Message{
		SenderID:     req.SenderID,
		ReceiverID:   req.ReceiverID,
		Payload:      req.Payload,
		Kind:         req.Kind,
		Disappearing: req.Disappearing,
		ReplyToID:    req.ReplyToID,
		CreatedAt:    s.clock(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.metrics.Submitted("error")
		return nil, storeErr(err)
	}
	s.metrics.Submitted("accepted")

	s.deliver(ctx, msg)
	return msg, nil
}

// MarkRead moves every unread message peerID sent to userID into read,
// tells peerID once and arms expiry for the disappearing ones. It returns
// the ids that changed.
func (s *Service) MarkRead(ctx context.Context, actor, userID, peerID int64) (ids []int64, err error) {
	ctx, span := tracer.Start(ctx, "chat.MarkRead", trace.WithAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("peer_id", peerID),
	))
	defer func() { endSpan(span, err) }()

	if actor != userID {
		return nil, ErrUnauthorized
	}
	if peerID <= 0 || peerID == userID {
		return nil, invalid("peer id %d", peerID)
	}

	now := s.clock()
	receipts, err := s.store.MarkRead(ctx, userID, peerID, now, now)
	if err != nil {
		return nil, storeErr(err)
	}
	ids = make([]int64, 0, len(receipts))
	for _, r := range receipts {
		ids = append(ids, r.MessageID)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	s.fanout.Push(peerID, model.NewEvent(model.EventMessagesRead, model.ReadEvent{
		SenderID:   peerID,
		ReceiverID: userID,
		MessageIDs: ids,
		ReadAt:     now,
	}))

	for _, r := range receipts {
		if r.Disappearing {
			s.scheduler.Schedule(r.MessageID, r.ReadAt)
		}
	}
	return ids, nil
}

// Edit replaces the payload of a message. Only the sender may edit and
// deleted messages stay tombstones.
func (s *Service) Edit(ctx context.Context, actor, messageID int64, payload string) (msg *model.Message, err error) {
	ctx, span := tracer.Start(ctx, "chat.Edit", trace.WithAttributes(attribute.Int64("message_id", messageID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(payload) == "" {
		return nil, invalid("message is required")
	}

	msg, err = s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr(err)
	}
	if msg.SenderID != actor {
		return nil, ErrForbidden
	}
	if msg.Deleted {
		return nil, ErrInvalidState
	}

	changed, err := s.store.UpdatePayload(ctx, messageID, payload)
	if err != nil {
		return nil, storeErr(err)
	}
	if !changed {
		// 読み込み後に削除か失効が先に書き込まれた
		return nil, ErrInvalidState
	}
	msg.Payload = payload
	msg.Edited = true

	ev := model.NewEvent(model.EventMessageUpdated, model.UpdateEvent{
		ID:         msg.ID,
		Payload:    msg.Payload,
		Edited:     true,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
	})
	s.fanout.Push(msg.SenderID, ev)
	s.fanout.Push(msg.ReceiverID, ev)
	return msg, nil
}

// Delete removes a message. Scope everyone tombstones it for both
// participants and is reserved to the sender; a message that is already
// a tombstone gives ErrInvalidState. Scope me hides it from the actor
// only.
func (s *Service) Delete(ctx context.Context, actor, messageID int64, scope string) (err error) {
	ctx, span := tracer.Start(ctx, "chat.Delete", trace.WithAttributes(
		attribute.Int64("message_id", messageID),
		attribute.String("scope", scope),
	))
	defer func() { endSpan(span, err) }()

	if scope != ScopeEveryone && scope != ScopeMe {
		return invalid("unknown delete scope %q", scope)
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return storeErr(err)
	}
	if !msg.Participant(actor) {
		return ErrForbidden
	}

	if scope == ScopeMe {
		return storeErr(s.store.Hide(ctx, messageID, actor))
	}

	if msg.SenderID != actor {
		return ErrForbidden
	}
	if msg.Deleted {
		return ErrInvalidState
	}
	changed, err := s.store.Tombstone(ctx, messageID)
	if err != nil {
		return storeErr(err)
	}
	s.scheduler.Cancel(messageID)
	if !changed {
		// 読み込み後に失効が先に書き込まれた
		return ErrInvalidState
	}

	ev := model.NewEvent(model.EventMessageDeleted, model.DeleteEvent{
		ID:         msg.ID,
		Payload:    model.TombstoneDeleted,
		Deleted:    true,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
	})
	s.fanout.Push(msg.SenderID, ev)
	s.fanout.Push(msg.ReceiverID, ev)
	return nil
}

// expire is the scheduler callback. Losing the race against a delete is
// not an error; the message is already a tombstone.
func (s *Service) expire(ctx context.Context, messageID int64) (err error) {
	ctx, span := tracer.Start(ctx, "chat.expire", trace.WithAttributes(attribute.Int64("message_id", messageID)))
	defer func() { endSpan(span, err) }()

	changed, err := s.store.Expire(ctx, messageID)
	if err != nil {
		return storeErr(err)
	}
	if !changed {
		return nil
	}
	s.metrics.Expired()

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Service.expire",
			"message_id": messageID,
			"error":      err,
		}).Warn("Message expired but participants could not be loaded")
		return nil
	}

	ev := model.NewEvent(model.EventMessageExpired, model.DeleteEvent{
		ID:         msg.ID,
		Payload:    model.TombstoneExpired,
		Deleted:    true,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
	})
	s.fanout.Push(msg.SenderID, ev)
	s.fanout.Push(msg.ReceiverID, ev)
	return nil
}

// ClearConversation hides every message between userID and peerID from
// userID and returns how many became hidden
func (s *Service) ClearConversation(ctx context.Context, actor, userID, peerID int64) (int, error) {
	if actor != userID {
		return 0, ErrUnauthorized
	}
	if peerID <= 0 || peerID == userID {
		return 0, invalid("peer id %d", peerID)
	}
	n, err := s.store.HideConversation(ctx, userID, peerID)
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

// Conversation returns one page of the messages between actor and peerID
// as actor sees them
func (s *Service) Conversation(ctx context.Context, actor, peerID int64, limit, offset int) ([]model.Message, error) {
	if peerID <= 0 {
		return nil, invalid("peer id %d", peerID)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	messages, err := s.store.Conversation(ctx, actor, peerID, limit, offset)
	if err != nil {
		return nil, storeErr(err)
	}
	return messages, nil
}
