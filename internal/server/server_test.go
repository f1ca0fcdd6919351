package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"channelbot/internal/broadcast"
	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/store"
	"channelbot/internal/transport"
)

// fakeBackend implements both the server's and the engine's store slices.
type fakeBackend struct {
	mu         sync.Mutex
	channels   map[string]*model.Channel
	subs       []model.Subscriber
	broadcasts []model.Broadcast
	nextID     int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{channels: map[string]*model.Channel{}}
}

func (f *fakeBackend) Channel(ctx context.Context, name string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeBackend) InsertChannel(ctx context.Context, name, token, originID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[name] = &model.Channel{Name: name, Token: token, OriginID: originID}
	return nil
}

func (f *fakeBackend) DeleteChannel(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[name]; !ok {
		return store.ErrNotFound
	}
	delete(f.channels, name)
	return nil
}

func (f *fakeBackend) ActiveSubscribers(ctx context.Context, channel string) ([]model.Subscriber, error) {
	return f.subs, nil
}

func (f *fakeBackend) InsertBroadcast(ctx context.Context, b *model.Broadcast) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	b.ID = f.nextID
	f.broadcasts = append(f.broadcasts, *b)
	return b.ID, nil
}

func (f *fakeBackend) BroadcastsAfter(ctx context.Context, channel string, afterID int64, limit int) ([]model.Broadcast, error) {
	return nil, nil
}

func (f *fakeBackend) TombstoneBroadcast(ctx context.Context, channel, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.broadcasts {
		if f.broadcasts[i].MessageID == messageID && !f.broadcasts[i].Deleted {
			f.broadcasts[i].Deleted = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) RemoveSubscriber(ctx context.Context, botID string) error { return nil }

func (f *fakeBackend) SetSubscriberCursor(ctx context.Context, botID string, cursor int64) error {
	return nil
}

type okTransport struct {
	mu   sync.Mutex
	sent []string
}

func (t *okTransport) SendText(ctx context.Context, botID, text string) transport.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, botID)
	return transport.OK()
}

func (t *okTransport) SendAsset(ctx context.Context, botID string, asset *model.Asset) transport.Result {
	return transport.OK()
}

func (t *okTransport) SendLinkPreview(ctx context.Context, botID, url, title string, preview *model.Asset) transport.Result {
	return transport.OK()
}

func (t *okTransport) DeleteMessage(ctx context.Context, botID, messageID string) transport.Result {
	return transport.OK()
}

func testServer(t *testing.T) (*fakeBackend, *okTransport, http.Handler) {
	t.Helper()
	f := newFakeBackend()
	tr := &okTransport{}
	engine := broadcast.New(broadcast.Config{Pace: time.Millisecond}, f, tr, logx.Nop())
	srv := New(Config{Addr: "127.0.0.1:0", AdminToken: "svc-token"}, f, engine, tr, logx.Nop())
	return f, tr, srv.srv.Handler
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProvisionRequiresAdminToken(t *testing.T) {
	_, _, h := testServer(t)

	rec := do(h, http.MethodPut, "/channels/news", "wrong", `{"token":"tok"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(h, http.MethodPut, "/channels/news", "", `{"token":"tok"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestProvisionIdempotent(t *testing.T) {
	f, _, h := testServer(t)

	rec := do(h, http.MethodPut, "/channels/news", "svc-token", `{"token":"tok","origin":"creator"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if ch := f.channels["news"]; ch == nil || ch.Token != "tok" || ch.OriginID != "creator" {
		t.Fatalf("channel not stored: %+v", f.channels)
	}

	// Second provision keeps the original token.
	rec = do(h, http.MethodPut, "/channels/news", "svc-token", `{"token":"other"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on re-provision, got %d", rec.Code)
	}
	if f.channels["news"].Token != "tok" {
		t.Fatalf("re-provision must not rotate the token")
	}
}

func TestDeprovision(t *testing.T) {
	f, _, h := testServer(t)
	f.channels["news"] = &model.Channel{Name: "news", Token: "tok"}

	rec := do(h, http.MethodDelete, "/channels/news", "svc-token", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = do(h, http.MethodDelete, "/channels/news", "svc-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing channel, got %d", rec.Code)
	}
}

func TestPublishWithChannelToken(t *testing.T) {
	f, tr, h := testServer(t)
	f.channels["news"] = &model.Channel{Name: "news", Token: "chan-tok", AdminID: "admin-bot"}
	f.subs = []model.Subscriber{{BotID: "bot-1", Channel: "news"}}

	rec := do(h, http.MethodPost, "/channels/news/broadcast", "chan-tok",
		`{"content":{"kind":"text","text":"hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"attempted":1`) || !strings.Contains(body, `"delivered":1`) {
		t.Fatalf("unexpected report: %s", body)
	}
	if len(f.broadcasts) != 1 {
		t.Fatalf("broadcast not persisted")
	}
	if len(tr.sent) == 0 {
		t.Fatalf("no delivery happened")
	}

	rec = do(h, http.MethodPost, "/channels/news/broadcast", "wrong",
		`{"content":{"kind":"text","text":"hello"}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong channel token, got %d", rec.Code)
	}
}

func TestPublishRejectsUnsendableContent(t *testing.T) {
	f, _, h := testServer(t)
	f.channels["news"] = &model.Channel{Name: "news", Token: "chan-tok", AdminID: "admin-bot"}

	for _, body := range []string{
		`{"content":{"kind":"image"}}`,
		`{"content":{"kind":"text"}}`,
		`{"content":{"kind":"carrier-pigeon","text":"hi"}}`,
	} {
		rec := do(h, http.MethodPost, "/channels/news/broadcast", "chan-tok", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d: %s", body, rec.Code, rec.Body.String())
		}
	}
	if len(f.broadcasts) != 0 {
		t.Fatalf("unsendable content must not be persisted")
	}
}

func TestPublishAcceptsCurlExampleBody(t *testing.T) {
	f, tr, h := testServer(t)
	f.channels["news"] = &model.Channel{Name: "news", Token: "chan-tok", AdminID: "admin-bot"}
	f.subs = []model.Subscriber{{BotID: "bot-1", Channel: "news"}}

	// The body the /curl admin command renders.
	rec := do(h, http.MethodPost, "/channels/news/broadcast", "chan-tok",
		`{"content":{"kind":"text","text":"Hi there!"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected one delivery, got %v", tr.sent)
	}
}

func TestPublishNotActivatedConflict(t *testing.T) {
	f, _, h := testServer(t)
	f.channels["news"] = &model.Channel{Name: "news", Token: "chan-tok"}

	rec := do(h, http.MethodPost, "/channels/news/broadcast", "chan-tok",
		`{"content":{"kind":"text","text":"hello"}}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before activation, got %d", rec.Code)
	}
}

func TestRetractEndpoint(t *testing.T) {
	f, _, h := testServer(t)
	f.channels["news"] = &model.Channel{Name: "news", Token: "chan-tok", AdminID: "admin-bot"}
	f.broadcasts = []model.Broadcast{{ID: 1, Channel: "news", MessageID: "m1"}}

	rec := do(h, http.MethodDelete, "/channels/news/broadcast/m1", "chan-tok", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if !f.broadcasts[0].Deleted {
		t.Fatalf("broadcast not tombstoned")
	}

	rec = do(h, http.MethodDelete, "/channels/news/broadcast/m1", "chan-tok", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for already-retracted id, got %d", rec.Code)
	}
}

func TestForwardBatchDeliversLocally(t *testing.T) {
	_, tr, h := testServer(t)

	rec := do(h, http.MethodPut, "/forward/batch", "svc-token",
		`{"recipients":["b1","b2","b3"],"payload":{"kind":"text","text":"hi"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"delivered":3`) {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
	if len(tr.sent) != 3 {
		t.Fatalf("expected 3 local deliveries, got %v", tr.sent)
	}
}

func TestUnknownChannelOnPublish(t *testing.T) {
	_, _, h := testServer(t)
	rec := do(h, http.MethodPost, "/channels/ghost/broadcast", "any",
		`{"content":{"kind":"text","text":"hello"}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
