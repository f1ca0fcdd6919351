package command

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/transport"
)

type fakeStore struct {
	welcome    map[string]string
	introPic   map[string]string
	chanMuted  map[string]bool
	subMuted   map[string]bool
	moderation []model.ModerationEntry
	cleared    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		welcome:   map[string]string{},
		introPic:  map[string]string{},
		chanMuted: map[string]bool{},
		subMuted:  map[string]bool{},
	}
}

func (f *fakeStore) SetChannelWelcome(ctx context.Context, name, text string) error {
	f.welcome[name] = text
	return nil
}

func (f *fakeStore) SetChannelIntroPic(ctx context.Context, name, url string) error {
	f.introPic[name] = url
	return nil
}

func (f *fakeStore) SetChannelMuted(ctx context.Context, name string, muted bool) error {
	f.chanMuted[name] = muted
	return nil
}

func (f *fakeStore) UpsertModeration(ctx context.Context, e model.ModerationEntry) error {
	f.moderation = append(f.moderation, e)
	return nil
}

func (f *fakeStore) ClearModeration(ctx context.Context, channel string) error {
	f.cleared = append(f.cleared, channel)
	return nil
}

func (f *fakeStore) SubscriberCount(ctx context.Context, channel string) (int, error) { return 7, nil }
func (f *fakeStore) BroadcastCount(ctx context.Context, channel string) (int, error)  { return 3, nil }
func (f *fakeStore) InboundCount(ctx context.Context, channel string) (int, error)    { return 11, nil }

func (f *fakeStore) SetSubscriberMuted(ctx context.Context, botID string, muted bool) error {
	f.subMuted[botID] = muted
	return nil
}

type replySink struct {
	mu      sync.Mutex
	replies []string
}

func (r *replySink) SendText(ctx context.Context, botID, text string) transport.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return transport.OK()
}

func (r *replySink) SendAsset(ctx context.Context, botID string, asset *model.Asset) transport.Result {
	return transport.OK()
}

func (r *replySink) SendLinkPreview(ctx context.Context, botID, url, title string, preview *model.Asset) transport.Result {
	return transport.OK()
}

func (r *replySink) DeleteMessage(ctx context.Context, botID, messageID string) transport.Result {
	return transport.OK()
}

func (r *replySink) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

type fakeReplayer struct {
	calls int
	limit int
}

func (f *fakeReplayer) CatchUp(ctx context.Context, sub *model.Subscriber, limit int) (int, error) {
	f.calls++
	f.limit = limit
	return limit, nil
}

func testChannel() *model.Channel {
	return &model.Channel{Name: "news", Token: "tok", AdminID: "admin-bot"}
}

func TestAdminNonCommandNotHandled(t *testing.T) {
	i := NewInterpreter(newFakeStore(), &replySink{}, nil, "", 0, logx.Nop())
	handled, err := i.HandleAdmin(context.Background(), testChannel(), "plain broadcast text")
	if err != nil {
		t.Fatalf("HandleAdmin: %v", err)
	}
	if handled {
		t.Fatalf("plain text must be left to the publish path")
	}
}

func TestAdminMuteUnmute(t *testing.T) {
	f := newFakeStore()
	i := NewInterpreter(f, &replySink{}, nil, "", 0, logx.Nop())
	ctx := context.Background()
	ch := testChannel()

	if handled, err := i.HandleAdmin(ctx, ch, "/mute"); !handled || err != nil {
		t.Fatalf("mute: handled=%v err=%v", handled, err)
	}
	if !f.chanMuted["news"] {
		t.Fatalf("channel not muted")
	}
	if handled, err := i.HandleAdmin(ctx, ch, "/unmute"); !handled || err != nil {
		t.Fatalf("unmute: handled=%v err=%v", handled, err)
	}
	if f.chanMuted["news"] {
		t.Fatalf("channel still muted")
	}
}

func TestAdminIntroDispatch(t *testing.T) {
	f := newFakeStore()
	i := NewInterpreter(f, &replySink{}, nil, "", 0, logx.Nop())
	ctx := context.Background()
	ch := testChannel()

	if _, err := i.HandleAdmin(ctx, ch, "/intro https://pics.example/intro.jpg"); err != nil {
		t.Fatalf("intro url: %v", err)
	}
	if f.introPic["news"] != "https://pics.example/intro.jpg" {
		t.Fatalf("url argument must set the intro picture: %v", f.introPic)
	}

	if _, err := i.HandleAdmin(ctx, ch, "/intro Welcome to the feed"); err != nil {
		t.Fatalf("intro text: %v", err)
	}
	if f.welcome["news"] != "Welcome to the feed" {
		t.Fatalf("plain argument must set the intro text: %v", f.welcome)
	}
}

func TestAdminAllowBlockPublic(t *testing.T) {
	f := newFakeStore()
	sink := &replySink{}
	i := NewInterpreter(f, sink, nil, "", 0, logx.Nop())
	ctx := context.Background()
	ch := testChannel()

	if _, err := i.HandleAdmin(ctx, ch, "/allow @Alice"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if _, err := i.HandleAdmin(ctx, ch, "/block @bob"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if len(f.moderation) != 2 {
		t.Fatalf("expected 2 moderation entries, got %v", f.moderation)
	}
	if f.moderation[0].Handle != "alice" || f.moderation[0].State != model.Allow {
		t.Fatalf("allow entry wrong: %+v", f.moderation[0])
	}
	if f.moderation[1].Handle != "bob" || f.moderation[1].State != model.Block {
		t.Fatalf("block entry wrong: %+v", f.moderation[1])
	}

	// Missing @ is usage feedback, not a mutation.
	if _, err := i.HandleAdmin(ctx, ch, "/allow carol"); err != nil {
		t.Fatalf("allow without @: %v", err)
	}
	if len(f.moderation) != 2 {
		t.Fatalf("bare handle must not mutate: %v", f.moderation)
	}
	if !strings.Contains(sink.last(), "Usage") {
		t.Fatalf("expected usage reply, got %q", sink.last())
	}

	if _, err := i.HandleAdmin(ctx, ch, "/public"); err != nil {
		t.Fatalf("public: %v", err)
	}
	if len(f.cleared) != 1 || f.cleared[0] != "news" {
		t.Fatalf("public must clear moderation: %v", f.cleared)
	}
}

func TestAdminStats(t *testing.T) {
	sink := &replySink{}
	i := NewInterpreter(newFakeStore(), sink, nil, "", 0, logx.Nop())

	if _, err := i.HandleAdmin(context.Background(), testChannel(), "/stats"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	got := sink.last()
	for _, want := range []string{"Subscribers: 7", "Messages:    11", "Posts:       3"} {
		if !strings.Contains(got, want) {
			t.Fatalf("stats reply %q missing %q", got, want)
		}
	}
}

func TestAdminCurlEmbedsTokenAndChannel(t *testing.T) {
	sink := &replySink{}
	i := NewInterpreter(newFakeStore(), sink, nil, "bot.example.com", 0, logx.Nop())

	if _, err := i.HandleAdmin(context.Background(), testChannel(), "/curl"); err != nil {
		t.Fatalf("curl: %v", err)
	}
	got := sink.last()
	for _, want := range []string{"bot.example.com", "/channels/news/broadcast", "Bearer tok"} {
		if !strings.Contains(got, want) {
			t.Fatalf("curl reply %q missing %q", got, want)
		}
	}

	// The embedded body must be the publish endpoint's request shape: the
	// payload nested under "content".
	start := strings.Index(got, "-d'")
	end := strings.Index(got[start+3:], "'")
	if start < 0 || end < 0 {
		t.Fatalf("curl reply %q has no -d'...' body", got)
	}
	var req struct {
		Content model.Content `json:"content"`
	}
	if err := json.Unmarshal([]byte(got[start+3:start+3+end]), &req); err != nil {
		t.Fatalf("example body does not decode: %v", err)
	}
	if req.Content.Kind != model.KindText || req.Content.Text == "" {
		t.Fatalf("example body decodes to %+v", req.Content)
	}
}

func TestAdminUnknownCommandHandled(t *testing.T) {
	f := newFakeStore()
	sink := &replySink{}
	i := NewInterpreter(f, sink, nil, "", 0, logx.Nop())

	handled, err := i.HandleAdmin(context.Background(), testChannel(), "/frobnicate now")
	if err != nil {
		t.Fatalf("HandleAdmin: %v", err)
	}
	if !handled {
		t.Fatalf("unknown slash input must still be consumed")
	}
	if !strings.Contains(sink.last(), "/frobnicate") {
		t.Fatalf("expected unknown-command reply, got %q", sink.last())
	}
	if len(f.moderation) != 0 || len(f.cleared) != 0 {
		t.Fatalf("unknown command must not mutate state")
	}
}

func TestSubscriberMuteRoundTrip(t *testing.T) {
	f := newFakeStore()
	i := NewInterpreter(f, &replySink{}, nil, "", 0, logx.Nop())
	ctx := context.Background()
	sub := &model.Subscriber{BotID: "bot-1", Channel: "news"}

	if handled, err := i.HandleSubscriber(ctx, sub, "/mute"); !handled || err != nil {
		t.Fatalf("mute: handled=%v err=%v", handled, err)
	}
	if !f.subMuted["bot-1"] {
		t.Fatalf("subscriber not muted")
	}
	if handled, err := i.HandleSubscriber(ctx, sub, "/unmute"); !handled || err != nil {
		t.Fatalf("unmute: handled=%v err=%v", handled, err)
	}
	if f.subMuted["bot-1"] {
		t.Fatalf("subscriber still muted")
	}
}

func TestSubscriberPrevUsesConfiguredDepth(t *testing.T) {
	rep := &fakeReplayer{}
	i := NewInterpreter(newFakeStore(), &replySink{}, rep, "", 8, logx.Nop())

	handled, err := i.HandleSubscriber(context.Background(), &model.Subscriber{BotID: "bot-1"}, "/prev")
	if !handled || err != nil {
		t.Fatalf("prev: handled=%v err=%v", handled, err)
	}
	if rep.calls != 1 || rep.limit != 8 {
		t.Fatalf("expected one replay of depth 8, got calls=%d limit=%d", rep.calls, rep.limit)
	}
}

func TestSubscriberNonCommandNotHandled(t *testing.T) {
	i := NewInterpreter(newFakeStore(), &replySink{}, nil, "", 0, logx.Nop())
	handled, err := i.HandleSubscriber(context.Background(), &model.Subscriber{BotID: "bot-1"}, "just feedback")
	if err != nil || handled {
		t.Fatalf("plain text must be left to the forward path: handled=%v err=%v", handled, err)
	}
}
