package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/postmesh/postmesh/internal/consul"
)

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/", "/"},
		{"/v1", "/v1/"},
		{"/v1/", "/v1/"},
		{"v1", "/v1/"},
		{"api/", "/api/"},
	}

	for _, tt := range tests {
		got := normalizePrefix(tt.input)
		if got != tt.expected {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseResourceFromPath(t *testing.T) {
	tests := []struct {
		prefix       string
		path         string
		wantResource string
		wantRest     string
		wantOK       bool
	}{
		{"/v1/", "/v1/posts/all-posts", "posts", "/all-posts", true},
		{"/v1/", "/v1/posts", "posts", "/", true},
		{"/v1/", "/v1/posts/", "posts", "/", true},
		{"/v1/", "/v1/", "", "", false},
		{"/v1/", "/other/path", "", "", false},
		{"/", "/media/upload", "media", "/upload", true},
	}

	for _, tt := range tests {
		res, rest, ok := ParseResourceFromPath(tt.prefix, tt.path)
		if ok != tt.wantOK || res != tt.wantResource || rest != tt.wantRest {
			t.Errorf("ParseResourceFromPath(%q, %q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.prefix, tt.path, res, rest, ok, tt.wantResource, tt.wantRest, tt.wantOK)
		}
	}
}

func TestRouteTable_Resolve(t *testing.T) {
	rt := NewRouteTable(nil, DefaultRoutingConfig(), discardLogger())

	tests := []struct {
		path        string
		wantService string
		wantPath    string
		wantOK      bool
	}{
		{"/v1/posts/all-posts", "post", "/api/posts/all-posts", true},
		{"/v1/posts/0190a1b2", "post", "/api/posts/0190a1b2", true},
		{"/v1/media/upload", "media", "/api/media/upload", true},
		{"/v1/search/posts", "search", "/api/search/posts", true},
		{"/v1/posts", "post", "/api/posts", true},
		{"/v1/identity/login", "", "", false},
		{"/api/posts/all-posts", "", "", false},
	}

	for _, tt := range tests {
		service, path, ok := rt.Resolve(tt.path)
		if ok != tt.wantOK || service != tt.wantService || path != tt.wantPath {
			t.Errorf("Resolve(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, service, path, ok, tt.wantService, tt.wantPath, tt.wantOK)
		}
	}
}

// fakeDiscoverer serves canned instances per service.
type fakeDiscoverer struct {
	mu        sync.Mutex
	instances map[string][]consul.Instance
	errs      map[string]error
}

func (d *fakeDiscoverer) HealthyInstances(service string) ([]consul.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[service]; err != nil {
		return nil, err
	}
	return d.instances[service], nil
}

func (d *fakeDiscoverer) set(service string, instances []consul.Instance, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances[service] = instances
	d.errs[service] = err
}

func newFakeDiscoverer() *fakeDiscoverer {
	return &fakeDiscoverer{instances: map[string][]consul.Instance{}, errs: map[string]error{}}
}

func TestRouteTable_Refresh(t *testing.T) {
	src := newFakeDiscoverer()
	src.set("post", []consul.Instance{
		{ID: "post-a", Address: "10.0.0.1", Port: 3002},
		{ID: "post-b", Address: "10.0.0.2", Port: 3002, Meta: map[string]string{"scheme": "https", "weight": "3"}},
	}, nil)
	src.set("media", []consul.Instance{{ID: "media-a", Address: "10.0.0.3", Port: 3003}}, nil)

	rt := NewRouteTable(src, DefaultRoutingConfig(), discardLogger())
	rt.Refresh()

	posts := rt.Targets("post")
	if len(posts) != 2 {
		t.Fatalf("expected 2 post targets, got %d", len(posts))
	}
	if posts[0].URL != "http://10.0.0.1:3002" {
		t.Errorf("unexpected url %q", posts[0].URL)
	}
	if posts[1].URL != "https://10.0.0.2:3002" || posts[1].Weight != 3 {
		t.Errorf("unexpected target %+v", posts[1])
	}

	if got := rt.Unavailable(); len(got) != 1 || got[0] != "search" {
		t.Fatalf("expected search unavailable, got %v", got)
	}

	// A failed lookup keeps the last known targets.
	src.set("post", nil, errors.New("consul down"))
	rt.Refresh()
	if len(rt.Targets("post")) != 2 {
		t.Fatal("expected post targets to survive a failed lookup")
	}

	// An empty answer clears them.
	src.set("media", nil, nil)
	rt.Refresh()
	if len(rt.Targets("media")) != 0 {
		t.Fatal("expected media targets to be cleared")
	}
}

func TestRouteTable_Services(t *testing.T) {
	cfg := DefaultRoutingConfig()
	cfg.Resources["post"] = "post"

	got := NewRouteTable(nil, cfg, discardLogger()).Services()
	want := []string{"media", "post", "search"}
	if len(got) != len(want) {
		t.Fatalf("Services() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Services() = %v, want %v", got, want)
		}
	}
}

func TestRouteTable_RunStopsWithContext(t *testing.T) {
	src := newFakeDiscoverer()
	src.set("post", []consul.Instance{{ID: "post-a", Address: "10.0.0.1", Port: 3002}}, nil)

	cfg := DefaultRoutingConfig()
	cfg.RefreshInterval = time.Millisecond
	rt := NewRouteTable(src, cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(rt.Targets("post")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("route table never refreshed")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
