package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"tsubame/internal/auth"
	"tsubame/internal/chat"
	"tsubame/internal/config"
	"tsubame/internal/database"
	"tsubame/internal/fanout"
	"tsubame/internal/metrics"
	"tsubame/internal/model"
	"tsubame/internal/presence"
	"tsubame/internal/ratelimit"
	"tsubame/internal/store"
)

const testSecret = "handler-test-secret"

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

type testEnv struct {
	h      *Handler
	store  *store.Store
	router http.Handler
}

// testConfig DB_HOST があれば MySQL、無ければ一時 SQLite
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{
		AllowedOrigins: []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		WSSendBuffer:   64,
		DBDriver:       database.DriverSQLite,
		SQLitePath:     filepath.Join(t.TempDir(), "handler.db"),
	}
	if os.Getenv("DB_HOST") != "" && os.Getenv("TEST_MYSQL") == "1" {
		cfg.DBDriver = database.DriverMySQL
		cfg.DBHost = os.Getenv("DB_HOST")
		cfg.DBPort = os.Getenv("DB_PORT")
		if cfg.DBPort == "" {
			cfg.DBPort = "3306"
		}
		cfg.DBUser = os.Getenv("DB_USER")
		cfg.DBPassword = os.Getenv("DB_PASSWORD")
		cfg.DBName = os.Getenv("DB_NAME")
	}
	return cfg
}

// newTestHandler テスト用のHandlerを生成
func newTestHandler(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	cfg := testConfig(t)

	db, err := database.Init(cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if cfg.DBDriver == database.DriverMySQL {
		// テストデータをクリア
		db.Exec("DELETE FROM messages")
		db.Exec("DELETE FROM blocked_users")
		db.Exec("DELETE FROM users")
	}
	t.Cleanup(func() { db.Close() })

	if limiter == nil {
		limiter = ratelimit.NewWindow(1000, time.Minute)
	}
	st := store.New(db, cfg.DBDriver)
	m := metrics.New()
	reg := presence.NewRegistry()
	svc := chat.NewService(st, reg, fanout.New(reg, nil, m), limiter, chat.Options{TTL: time.Hour, Metrics: m})
	t.Cleanup(svc.Close)

	h := New(svc, st, auth.NewVerifier(testSecret), m, cfg)
	return &testEnv{h: h, store: st, router: h.SetupRouter()}
}

func (e *testEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := e.h.Auth.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, userID int64, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID > 0 {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorOf(w *httptest.ResponseRecorder) string {
	var errResp map[string]string
	json.Unmarshal(w.Body.Bytes(), &errResp)
	return errResp["error"]
}

// TestHealth ヘルスチェック
func TestHealth(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, 0, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("Expected healthy status, got %s", w.Body.String())
	}
}

// TestMetrics /metrics は認証不要
func TestMetrics(t *testing.T) {
	env := newTestHandler(t, nil)

	env.do(t, 1, "POST", "/messages", map[string]any{"receiver_id": 2, "message": "hi"})

	w := env.do(t, 0, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), `tsubame_messages_submitted_total{result="accepted"} 1`) {
		t.Errorf("Expected accepted counter in metrics output")
	}
}

// TestCreateMessage_Success メッセージ作成成功テスト
func TestCreateMessage_Success(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, 1, "POST", "/messages", map[string]any{
		"receiver_id": 2,
		"message":     "Hello, World!",
		"type":        "text",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type: application/json, got %s", w.Header().Get("Content-Type"))
	}

	var msg model.Message
	json.Unmarshal(w.Body.Bytes(), &msg)

	if msg.ID == 0 {
		t.Error("Expected store assigned ID, got 0")
	}
	if msg.SenderID != 1 {
		t.Errorf("Expected sender 1 from token, got %d", msg.SenderID)
	}
	if msg.Payload != "Hello, World!" {
		t.Errorf("Expected message 'Hello, World!', got %q", msg.Payload)
	}
	if msg.State != model.StateSent {
		t.Errorf("Expected status sent for offline receiver, got %s", msg.State)
	}
}

// TestCreateMessage_Unauthorized トークン無し・なりすまし
func TestCreateMessage_Unauthorized(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, 0, "POST", "/messages", map[string]any{"sender_id": 1, "receiver_id": 2, "message": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without token, got %d", http.StatusUnauthorized, w.Code)
	}

	w = env.do(t, 3, "POST", "/messages", map[string]any{"sender_id": 1, "receiver_id": 2, "message": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for spoofed sender, got %d", http.StatusUnauthorized, w.Code)
	}
}

// TestCreateMessage_InvalidJSON JSON パース失敗
func TestCreateMessage_InvalidJSON(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, 1, "POST", "/messages", "invalid json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if errorOf(w) != "Invalid request body" {
		t.Errorf("Expected 'Invalid request body' error, got %s", errorOf(w))
	}
}

// TestCreateMessage_MissingMessage 本文必須チェック
func TestCreateMessage_MissingMessage(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, 1, "POST", "/messages", map[string]any{"receiver_id": 2, "message": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if !strings.Contains(errorOf(w), "message is required") {
		t.Errorf("Expected 'message is required' error, got %s", errorOf(w))
	}
}

// TestCreateMessage_OversizedBody 巨大リクエストボディが拒否されることを確認
func TestCreateMessage_OversizedBody(t *testing.T) {
	env := newTestHandler(t, nil)

	largeContent := strings.Repeat("x", 2*1024*1024)
	w := env.do(t, 1, "POST", "/messages", map[string]any{"receiver_id": 2, "message": largeContent})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for oversized body, got %d", http.StatusBadRequest, w.Code)
	}
}

// TestCreateMessage_RateLimited 上限超過は429
func TestCreateMessage_RateLimited(t *testing.T) {
	env := newTestHandler(t, ratelimit.NewWindow(2, time.Minute))

	for i := 0; i < 2; i++ {
		w := env.do(t, 1, "POST", "/messages", map[string]any{"receiver_id": 2, "message": "spam"})
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected status %d, got %d", http.StatusCreated, w.Code)
		}
	}
	w := env.do(t, 1, "POST", "/messages", map[string]any{"receiver_id": 2, "message": "spam"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d", http.StatusTooManyRequests, w.Code)
	}
}

// TestCreateMessage_Blocked ブロック中は403
func TestCreateMessage_Blocked(t *testing.T) {
	env := newTestHandler(t, nil)
	if err := env.store.Block(context.Background(), 2, 1); err != nil {
		t.Fatalf("Failed to block: %v", err)
	}

	w := env.do(t, 1, "POST", "/messages", map[string]any{"receiver_id": 2, "message": "hi"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
	if errorOf(w) != "Conversation is blocked" {
		t.Errorf("Expected 'Conversation is blocked', got %s", errorOf(w))
	}
}

// TestConcurrentMessageCreation 並行メッセージ作成テスト
func TestConcurrentMessageCreation(t *testing.T) {
	env := newTestHandler(t, nil)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(index int) {
			w := env.do(t, 1, "POST", "/messages", map[string]any{
				"receiver_id": 2,
				"message":     fmt.Sprintf("Concurrent message %d", index),
			})
			if w.Code != http.StatusCreated {
				t.Errorf("Concurrent request failed with status %d: %s", w.Code, w.Body.String())
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	msgs, err := env.store.Conversation(context.Background(), 1, 2, 100, 0)
	if err != nil {
		t.Fatalf("Failed to load conversation: %v", err)
	}
	if len(msgs) != 10 {
		t.Errorf("Expected 10 messages from concurrent requests, got %d", len(msgs))
	}
}

func createMessage(t *testing.T, env *testEnv, from, to int64, text string) model.Message {
	t.Helper()
	w := env.do(t, from, "POST", "/messages", map[string]any{"receiver_id": to, "message": text})
	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to create message: %d %s", w.Code, w.Body.String())
	}
	var msg model.Message
	json.Unmarshal(w.Body.Bytes(), &msg)
	return msg
}

// TestEditMessage 編集は送信者のみ、削除済みは409
func TestEditMessage(t *testing.T) {
	env := newTestHandler(t, nil)
	msg := createMessage(t, env, 1, 2, "helo")
	path := fmt.Sprintf("/messages/%d", msg.ID)

	w := env.do(t, 2, "PUT", path, map[string]string{"message": "hijack"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for non-sender, got %d", http.StatusForbidden, w.Code)
	}

	w = env.do(t, 1, "PUT", "/messages/999999", map[string]string{"message": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}

	w = env.do(t, 1, "PUT", path, map[string]string{"message": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var edited model.Message
	json.Unmarshal(w.Body.Bytes(), &edited)
	if edited.Payload != "hello" || !edited.Edited {
		t.Errorf("Expected edited payload, got %+v", edited)
	}

	if w := env.do(t, 1, "DELETE", path, nil); w.Code != http.StatusNoContent {
		t.Fatalf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	w = env.do(t, 1, "PUT", path, map[string]string{"message": "too late"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d for deleted message, got %d", http.StatusConflict, w.Code)
	}
}

// TestDeleteMessage 全員削除はトゥームストーンとして残る
func TestDeleteMessage(t *testing.T) {
	env := newTestHandler(t, nil)
	msg := createMessage(t, env, 1, 2, "To be deleted")
	path := fmt.Sprintf("/messages/%d", msg.ID)

	w := env.do(t, 2, "DELETE", path+"?scope=everyone", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for receiver, got %d", http.StatusForbidden, w.Code)
	}

	w = env.do(t, 1, "DELETE", path+"?scope=all", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for unknown scope, got %d", http.StatusBadRequest, w.Code)
	}

	w = env.do(t, 1, "DELETE", path, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	stored, err := env.store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Message should still exist in database after delete: %v", err)
	}
	if !stored.Deleted || stored.Payload != model.TombstoneDeleted {
		t.Errorf("Expected tombstone, got deleted=%v payload=%q", stored.Deleted, stored.Payload)
	}
}

// TestDeleteMessage_NotFound 存在しないメッセージ削除
func TestDeleteMessage_NotFound(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, 1, "DELETE", "/messages/999999", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if errorOf(w) != "Not found" {
		t.Errorf("Expected 'Not found' error, got %s", errorOf(w))
	}
}

// TestConversationFlow 取得・自分だけ削除・既読・クリア
func TestConversationFlow(t *testing.T) {
	env := newTestHandler(t, nil)
	first := createMessage(t, env, 1, 2, "one")
	createMessage(t, env, 1, 2, "two")
	createMessage(t, env, 2, 1, "three")

	w := env.do(t, 2, "DELETE", fmt.Sprintf("/messages/%d?scope=me", first.ID), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	w = env.do(t, 2, "GET", "/conversations/1/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var msgs []model.Message
	json.Unmarshal(w.Body.Bytes(), &msgs)
	if len(msgs) != 2 {
		t.Errorf("Expected 2 visible messages for user 2, got %d", len(msgs))
	}

	w = env.do(t, 1, "GET", "/conversations/2/messages?limit=1&offset=1", nil)
	json.Unmarshal(w.Body.Bytes(), &msgs)
	if len(msgs) != 1 || msgs[0].Payload != "two" {
		t.Errorf("Expected second page with 'two', got %+v", msgs)
	}

	w = env.do(t, 1, "GET", "/conversations/2/messages?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for bad limit, got %d", http.StatusBadRequest, w.Code)
	}

	w = env.do(t, 2, "POST", "/conversations/1/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var read struct {
		MessageIDs []int64 `json:"messageIds"`
		Count      int     `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &read)
	if read.Count != 2 {
		t.Errorf("Expected 2 messages read, got %d", read.Count)
	}

	w = env.do(t, 1, "POST", "/conversations/2/clear", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	w = env.do(t, 1, "GET", "/conversations/2/messages", nil)
	json.Unmarshal(w.Body.Bytes(), &msgs)
	if len(msgs) != 0 {
		t.Errorf("Expected empty conversation after clear, got %d", len(msgs))
	}
}

// TestGetPresence 未知ユーザーは404
func TestGetPresence(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, 1, "GET", "/users/42/presence", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func wsURL(server *httptest.Server, token string) string {
	return strings.Replace(server.URL, "http://", "ws://", 1) + "/ws?token=" + token
}

func dial(t *testing.T, env *testEnv, server *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, env.token(t, userID)), header)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	// pong が返れば Register 済み
	ws.WriteJSON(map[string]string{"type": "ping"})
	readUntil(t, ws, model.EventPong)
	return ws
}

type inbound struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data"`
}

// readUntil 指定タイプのイベントが来るまで読み捨てる
func readUntil(t *testing.T, ws *websocket.Conn, eventType string) inbound {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev inbound
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("Waiting for %s: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
}

// TestWebSocketConnection 接続・ping/pong・オンライン表示
func TestWebSocketConnection(t *testing.T) {
	env := newTestHandler(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ws := dial(t, env, server, 1)

	ws.WriteJSON(map[string]string{"type": "ping", "ref": "p1"})
	pong := readUntil(t, ws, model.EventPong)
	if pong.Ref != "p1" {
		t.Errorf("Expected ref p1, got %q", pong.Ref)
	}

	w := env.do(t, 2, "GET", "/users/1/presence", nil)
	var p model.Presence
	json.Unmarshal(w.Body.Bytes(), &p)
	if !p.IsOnline {
		t.Error("Connected user should be online")
	}

	ws.WriteJSON(map[string]string{"type": "dance"})
	if ev := readUntil(t, ws, model.EventError); !strings.Contains(string(ev.Data), "Unknown frame type") {
		t.Errorf("Expected unknown frame error, got %s", ev.Data)
	}
}

// TestWebSocketAuth トークン不正は401
func TestWebSocketAuth(t *testing.T) {
	env := newTestHandler(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "bogus"), nil)
	if err == nil {
		t.Fatal("WebSocket connection with bad token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 response, got %v", resp)
	}
}

// TestWebSocketOriginCheck Origin チェックテスト
func TestWebSocketOriginCheck(t *testing.T) {
	env := newTestHandler(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "http://forbidden.example.com")

	_, _, err := websocket.DefaultDialer.Dial(wsURL(server, env.token(t, 1)), header)
	if err == nil {
		t.Error("WebSocket connection from forbidden origin should fail")
	}
}

// TestWebSocketDelivery 送信 → ack → 受信 → 配達通知 → 既読通知
func TestWebSocketDelivery(t *testing.T) {
	env := newTestHandler(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	a := dial(t, env, server, 1)
	b := dial(t, env, server, 2)
	readUntil(t, a, model.EventUserStatusChange)

	a.WriteJSON(map[string]any{
		"type": "send_message",
		"ref":  "r1",
		"data": map[string]any{"receiver_id": 2, "message": "hi", "type": "text"},
	})

	ack := readUntil(t, a, model.EventAck)
	var ackData model.AckEvent
	json.Unmarshal(ack.Data, &ackData)
	if ack.Ref != "r1" || !ackData.Success || ackData.MessageID == 0 {
		t.Fatalf("Unexpected ack: ref=%s %+v", ack.Ref, ackData)
	}
	if ackData.Status != model.StateDelivered {
		t.Errorf("Expected delivered status in ack, got %s", ackData.Status)
	}

	got := readUntil(t, b, model.EventReceiveMessage)
	var msg model.Message
	json.Unmarshal(got.Data, &msg)
	if msg.ID != ackData.MessageID || msg.Payload != "hi" {
		t.Errorf("Unexpected message pushed to receiver: %+v", msg)
	}

	readUntil(t, a, model.EventMessageDelivered)

	b.WriteJSON(map[string]any{"type": "mark_messages_read", "data": map[string]any{"senderId": 1}})
	read := readUntil(t, a, model.EventMessagesRead)
	var readData model.ReadEvent
	json.Unmarshal(read.Data, &readData)
	if len(readData.MessageIDs) != 1 || readData.MessageIDs[0] != ackData.MessageID {
		t.Errorf("Expected read receipt for %d, got %v", ackData.MessageID, readData.MessageIDs)
	}

	b.WriteJSON(map[string]any{"type": "typing", "data": map[string]any{"receiverId": 1, "isTyping": true}})
	readUntil(t, a, model.EventUserTyping)

	a.WriteJSON(map[string]any{"type": "delete_message", "data": map[string]any{"messageId": ackData.MessageID}})
	readUntil(t, a, model.EventMessageDeleted)
	readUntil(t, b, model.EventMessageDeleted)
}

// TestWebSocketAck_Failure 失敗も ack で返る
func TestWebSocketAck_Failure(t *testing.T) {
	env := newTestHandler(t, ratelimit.NewWindow(1, time.Minute))
	server := httptest.NewServer(env.router)
	defer server.Close()

	a := dial(t, env, server, 1)

	for _, ref := range []string{"ok", "limited"} {
		a.WriteJSON(map[string]any{
			"type": "send_message",
			"ref":  ref,
			"data": map[string]any{"receiver_id": 2, "message": "hi"},
		})
	}

	results := map[string]model.AckEvent{}
	for i := 0; i < 2; i++ {
		ev := readUntil(t, a, model.EventAck)
		var data model.AckEvent
		json.Unmarshal(ev.Data, &data)
		results[ev.Ref] = data
	}

	if !results["ok"].Success {
		t.Errorf("First message should be accepted: %+v", results["ok"])
	}
	if results["limited"].Success || results["limited"].Error != "Rate limit exceeded" {
		t.Errorf("Second message should be rate limited: %+v", results["limited"])
	}
}

// TestWebSocketSupersede 同一ユーザーの再接続で古い接続は閉じられる
func TestWebSocketSupersede(t *testing.T) {
	env := newTestHandler(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	old := dial(t, env, server, 1)
	_ = dial(t, env, server, 1)

	old.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev inbound
		if err := old.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Logf("Old connection ended with: %v", err)
			}
			break
		}
	}

	w := env.do(t, 2, "GET", "/users/1/presence", nil)
	var p model.Presence
	json.Unmarshal(w.Body.Bytes(), &p)
	if !p.IsOnline {
		t.Error("User should stay online through the newer connection")
	}
}

// TestWebSocketBacklog 送信バッファより多い未配信メッセージも接続時に全部届く
func TestWebSocketBacklog(t *testing.T) {
	env := newTestHandler(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	backlog := env.h.Config.WSSendBuffer*2 + 20
	for i := 0; i < backlog; i++ {
		createMessage(t, env, 1, 2, fmt.Sprintf("offline %d", i))
	}

	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, env.token(t, 2)), header)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer ws.Close()

	var last int64
	for received := 0; received < backlog; received++ {
		ev := readUntil(t, ws, model.EventReceiveMessage)
		var msg model.Message
		json.Unmarshal(ev.Data, &msg)
		if msg.ID <= last {
			t.Fatalf("Backlog out of order: %d after %d", msg.ID, last)
		}
		last = msg.ID
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := env.store.PendingFor(context.Background(), 2)
		if err != nil {
			t.Fatalf("Failed to load pending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected empty backlog, %d messages still sent", len(pending))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
