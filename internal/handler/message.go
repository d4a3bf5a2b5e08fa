package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"tsubame/internal/auth"
	"tsubame/internal/chat"
	"tsubame/internal/model"
)

// maxBodyBytes リクエストボディの上限 (1MB)
const maxBodyBytes = 1 << 20

func pathID(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// CreateMessage handles POST /messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFrom(r.Context())
	logrus.Infof("[POST /messages] Request received from user %d (%s)", actor, r.RemoteAddr)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req chat.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logrus.Infof("[POST /messages] ❌ Bad Request: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// 送信者省略時は認証ユーザー
	if req.SenderID == 0 {
		req.SenderID = actor
	}

	msg, err := h.Chat.Submit(r.Context(), actor, req)
	if err != nil {
		respondError(w, "POST /messages", err)
		return
	}

	logrus.Infof("[POST /messages] ✅ Created message: ID=%d, %d -> %d, status=%s", msg.ID, msg.SenderID, msg.ReceiverID, msg.State)
	writeJSON(w, http.StatusCreated, msg)
}

// EditMessage handles PUT /messages/{id}
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFrom(r.Context())
	id, err := pathID(r, "id")
	tag := fmt.Sprintf("PUT /messages/%s", mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body struct {
		Payload string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logrus.Infof("[%s] ❌ Bad Request: %v", tag, err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.Chat.Edit(r.Context(), actor, id, body.Payload)
	if err != nil {
		respondError(w, tag, err)
		return
	}

	logrus.Infof("[%s] ✅ Edited by user %d", tag, actor)
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage handles DELETE /messages/{id}?scope=everyone|me
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFrom(r.Context())
	id, err := pathID(r, "id")
	tag := fmt.Sprintf("DELETE /messages/%s", mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}

	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = chat.ScopeEveryone
	}

	if err := h.Chat.Delete(r.Context(), actor, id, scope); err != nil {
		respondError(w, tag, err)
		return
	}

	logrus.Infof("[%s] ✅ Deleted (scope=%s) by user %d", tag, scope, actor)
	w.WriteHeader(http.StatusNoContent)
}

// GetConversation handles GET /conversations/{peerId}/messages
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFrom(r.Context())
	tag := fmt.Sprintf("GET /conversations/%s/messages", mux.Vars(r)["peerId"])
	peerID, err := pathID(r, "peerId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid peer id")
		return
	}

	limit, err := queryInt(r, "limit", chat.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	messages, err := h.Chat.Conversation(r.Context(), actor, peerID, limit, offset)
	if err != nil {
		respondError(w, tag, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}

	logrus.Infof("[%s] ✅ Returned %d messages", tag, len(messages))
	writeJSON(w, http.StatusOK, messages)
}

// MarkRead handles POST /conversations/{peerId}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFrom(r.Context())
	tag := fmt.Sprintf("POST /conversations/%s/read", mux.Vars(r)["peerId"])
	peerID, err := pathID(r, "peerId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid peer id")
		return
	}

	ids, err := h.Chat.MarkRead(r.Context(), actor, actor, peerID)
	if err != nil {
		respondError(w, tag, err)
		return
	}

	logrus.Infof("[%s] ✅ Marked %d messages read", tag, len(ids))
	writeJSON(w, http.StatusOK, map[string]any{"messageIds": ids, "count": len(ids)})
}

// ClearConversation handles POST /conversations/{peerId}/clear
func (h *Handler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFrom(r.Context())
	tag := fmt.Sprintf("POST /conversations/%s/clear", mux.Vars(r)["peerId"])
	peerID, err := pathID(r, "peerId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid peer id")
		return
	}

	n, err := h.Chat.ClearConversation(r.Context(), actor, actor, peerID)
	if err != nil {
		respondError(w, tag, err)
		return
	}

	logrus.Infof("[%s] ✅ Cleared %d messages", tag, n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// GetPresence handles GET /users/{id}/presence
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	tag := fmt.Sprintf("GET /users/%s/presence", mux.Vars(r)["id"])
	userID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	p, err := h.Chat.Presence(r.Context(), userID)
	if err != nil {
		respondError(w, tag, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
