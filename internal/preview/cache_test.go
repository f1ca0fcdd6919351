package preview

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"channelbot/internal/logx"
)

type countingResolver struct {
	calls   atomic.Int64
	fail    bool
	release chan struct{} // when set, Resolve blocks until it is closed
}

func (r *countingResolver) Resolve(ctx context.Context, url string) (*Preview, error) {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	if r.fail {
		return nil, errors.New("unreachable")
	}
	return &Preview{Title: "title for " + url}, nil
}

func TestResolveConcurrentSingleFetch(t *testing.T) {
	r := &countingResolver{release: make(chan struct{})}
	c, err := NewCache(r, logx.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	// Hold the first resolution open until every caller has entered, so all
	// of them must share the one in-flight fetch.
	var entered, wg sync.WaitGroup
	entered.Add(20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entered.Done()
			p, err := c.ResolvePreview(context.Background(), "https://example.com/a")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			if p.Title != "title for https://example.com/a" {
				t.Errorf("unexpected preview: %+v", p)
			}
		}()
	}
	entered.Wait()
	close(r.release)
	wg.Wait()

	if got := r.calls.Load(); got != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", got)
	}
}

func TestResolveFailureNotCached(t *testing.T) {
	r := &countingResolver{fail: true}
	c, err := NewCache(r, logx.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.ResolvePreview(context.Background(), "https://example.com/down"); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if got := r.calls.Load(); got != 2 {
		t.Fatalf("failures must not be cached, got %d fetches", got)
	}
}

func TestPageResolverExtractsOpenGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head>
			<title>fallback title</title>
			<meta property="og:title" content="OG Title"/>
			<meta property="og:image" content="https://pics.example/cover.jpg"/>
		</head><body></body></html>`))
	}))
	defer srv.Close()

	p, err := NewPageResolver(nil).Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Title != "OG Title" {
		t.Fatalf("expected og:title to win, got %q", p.Title)
	}
	if p.Image == nil || p.Image.URL != "https://pics.example/cover.jpg" {
		t.Fatalf("unexpected image: %+v", p.Image)
	}
}

func TestPageResolverTitleFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Plain Title</title></head><body></body></html>`))
	}))
	defer srv.Close()

	p, err := NewPageResolver(nil).Resolve(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Title != "Plain Title" {
		t.Fatalf("expected <title> fallback, got %q", p.Title)
	}
	if p.Image != nil {
		t.Fatalf("no image expected, got %+v", p.Image)
	}
}

func TestPageResolverNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewPageResolver(nil).Resolve(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error on non-200 response")
	}
}
