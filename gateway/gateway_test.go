package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peerchat/engine"
	"peerchat/media"
	"peerchat/messaging"
	"peerchat/models"
	"peerchat/store"
)

type gatewayRig struct {
	server *Server
	store  *store.SQLiteStore
	engine *engine.Engine
}

func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()

	dir := t.TempDir()
	st, _, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	uploader, err := media.NewLocalUploader(dir)
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}

	service, err := messaging.NewService(messaging.ServiceOptions{
		Store:          st,
		Uploader:       uploader,
		TypingDebounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(service.Close)

	eng, err := engine.New(engine.Options{
		Store:     st,
		Messaging: service,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)

	server, err := New(Options{Engine: eng, MediaDir: dir})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	return &gatewayRig{server: server, store: st, engine: eng}
}

func (r *gatewayRig) seedUser(t *testing.T, id, username string, online bool) {
	t.Helper()
	now := models.NowMillis()
	user := models.User{
		ID:        id,
		Username:  username,
		IsOnline:  online,
		LastSeen:  &now,
		CreatedAt: now,
	}
	if err := r.store.Create(context.Background(), store.CollectionUsers, id, user.Fields()); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func (r *gatewayRig) signIn(t *testing.T, userID string) {
	t.Helper()
	r.engine.SetIdentity(userID)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !r.engine.Loading() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("engine still loading after sign-in")
}

func (r *gatewayRig) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.server.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStateEndpoint(t *testing.T) {
	rig := newGatewayRig(t)
	rig.seedUser(t, "alice", "alice", true)
	rig.seedUser(t, "bob", "bob", true)
	rig.signIn(t, "alice")

	resp := rig.do(t, http.MethodGet, "/api/state", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	state := decodeBody[State](t, resp)

	if state.UserID != "alice" {
		t.Fatalf("unexpected identity %q", state.UserID)
	}
	if state.Loading {
		t.Fatalf("state must not report loading")
	}
	if len(state.Users) != 1 || state.Users[0].ID != "bob" {
		t.Fatalf("directory must hold only bob: %+v", state.Users)
	}
	if state.Users[0].Status != "Online" {
		t.Fatalf("unexpected status line %q", state.Users[0].Status)
	}
}

func TestSelectAndMessageFlow(t *testing.T) {
	rig := newGatewayRig(t)
	rig.seedUser(t, "alice", "alice", true)
	rig.seedUser(t, "bob", "bob", true)
	rig.signIn(t, "alice")

	resp := rig.do(t, http.MethodPost, "/api/chat/select", map[string]string{"user_id": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select status %d", resp.StatusCode)
	}
	conv := decodeBody[models.Conversation](t, resp)
	if !conv.HasParticipant("alice") || !conv.HasParticipant("bob") {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	resp = rig.do(t, http.MethodPost, "/api/chat/message", map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("message status %d", resp.StatusCode)
	}
	msg := decodeBody[models.Message](t, resp)
	if msg.Content != "hello" || msg.SenderID != "alice" {
		t.Fatalf("unexpected message %+v", msg)
	}

	// The conversation list refreshes through a subscription, so poll.
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp = rig.do(t, http.MethodGet, "/api/state", nil)
		state := decodeBody[State](t, resp)
		if state.ConversationID != conv.ID {
			t.Fatalf("state does not track selected conversation")
		}
		if len(state.Conversations) == 1 && state.Conversations[0].Preview == "You: hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("conversation list never updated: %+v", state.Conversations)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMessageWithoutSelectionConflicts(t *testing.T) {
	rig := newGatewayRig(t)
	rig.seedUser(t, "alice", "alice", true)
	rig.signIn(t, "alice")

	resp := rig.do(t, http.MethodPost, "/api/chat/message", map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["error"] == "" {
		t.Fatalf("expected error body")
	}
}

func TestSelectUnknownUserNotFound(t *testing.T) {
	rig := newGatewayRig(t)
	rig.seedUser(t, "alice", "alice", true)
	rig.signIn(t, "alice")

	resp := rig.do(t, http.MethodPost, "/api/chat/select", map[string]string{"user_id": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTypingAndReset(t *testing.T) {
	rig := newGatewayRig(t)
	rig.seedUser(t, "alice", "alice", true)
	rig.seedUser(t, "bob", "bob", true)
	rig.signIn(t, "alice")

	resp := rig.do(t, http.MethodPost, "/api/chat/select", map[string]string{"user_id": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select status %d", resp.StatusCode)
	}

	resp = rig.do(t, http.MethodPost, "/api/chat/typing", map[string]bool{"typing": true})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("typing status %d", resp.StatusCode)
	}

	resp = rig.do(t, http.MethodPost, "/api/chat/reset", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status %d", resp.StatusCode)
	}

	resp = rig.do(t, http.MethodGet, "/api/state", nil)
	state := decodeBody[State](t, resp)
	if state.ConversationID != "" {
		t.Fatalf("reset must clear the selection")
	}
}

func TestMediaUpload(t *testing.T) {
	rig := newGatewayRig(t)
	rig.seedUser(t, "alice", "alice", true)
	rig.seedUser(t, "bob", "bob", true)
	rig.signIn(t, "alice")

	resp := rig.do(t, http.MethodPost, "/api/chat/select", map[string]string{"user_id": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("type", "image"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(smallPNG(t)); err != nil {
		t.Fatalf("write file: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/chat/media", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	httpResp, err := rig.server.App().Test(req, 10000)
	if err != nil {
		t.Fatalf("media request: %v", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("media status %d", httpResp.StatusCode)
	}
	msg := decodeBody[models.Message](t, httpResp)
	if msg.Type != models.MessageTypeImage {
		t.Fatalf("unexpected message type %q", msg.Type)
	}
	if !strings.HasPrefix(msg.MediaURL, "/media/") {
		t.Fatalf("unexpected media URL %q", msg.MediaURL)
	}
}

func TestMediaRejectsTextType(t *testing.T) {
	rig := newGatewayRig(t)
	rig.seedUser(t, "alice", "alice", true)
	rig.signIn(t, "alice")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("type", "text")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/chat/media", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := rig.server.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("media request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func smallPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
