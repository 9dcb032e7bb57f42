package platform

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSimulatedRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		platform string
		content  string
		media    []string
		wantErr  error
	}{
		{platform: Facebook, content: "hello"},
		{platform: Instagram, content: "pic", wantErr: ErrMediaRequired},
		{platform: Instagram, content: "pic", media: []string{"https://cdn.example.com/a.jpg"}},
		{platform: TikTok, content: "clip", media: []string{"https://cdn.example.com/a.jpg"}, wantErr: ErrVideoRequired},
		{platform: TikTok, content: "clip", media: []string{"https://cdn.example.com/a.MP4?sig=1"}},
		{platform: LinkedIn, content: strings.Repeat("é", 3001), wantErr: ErrContentTooLong},
		{platform: LinkedIn, content: strings.Repeat("é", 3000)},
	}
	for _, tt := range tests {
		a, err := NewSimulated(tt.platform, SimulatedConfig{Enabled: true})
		if err != nil {
			t.Fatalf("NewSimulated(%s): %v", tt.platform, err)
		}
		res, err := a.Publish(context.Background(), "acct-1", tt.content, tt.media)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("%s: err=%v want %v", tt.platform, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected err %v", tt.platform, err)
		}
		if res.ID == "" || !strings.Contains(res.URL, "/acct-1/posts/"+res.ID) {
			t.Fatalf("%s: result=%+v", tt.platform, res)
		}
	}
}

func TestSimulatedRejectsBadMediaURL(t *testing.T) {
	t.Parallel()

	a, _ := NewSimulated(Facebook, SimulatedConfig{Enabled: true})
	if _, err := a.Publish(context.Background(), "acct", "x", []string{"not a url"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := a.Publish(context.Background(), " ", "x", nil); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("err=%v", err)
	}
}

func TestSimulatedRateLimitHonorsContext(t *testing.T) {
	t.Parallel()

	a, _ := NewSimulated(Facebook, SimulatedConfig{Enabled: true, RatePerSec: 0.001, Burst: 1})
	if _, err := a.Publish(context.Background(), "acct", "first", nil); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Publish(ctx, "acct", "second", nil); err == nil {
		t.Fatalf("expected rate limit error")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	err := RegisterSimulated(reg, map[string]SimulatedConfig{TikTok: {Enabled: false}})
	if err != nil {
		t.Fatalf("RegisterSimulated: %v", err)
	}
	if got := strings.Join(reg.Names(), ","); got != "facebook,instagram,linkedin" {
		t.Fatalf("names=%s", got)
	}
	if _, ok := reg.Lookup(" Facebook "); !ok {
		t.Fatalf("lookup should normalize")
	}
	if _, ok := reg.Lookup("myspace"); ok {
		t.Fatalf("unexpected adapter")
	}

	called := false
	reg.Register("myspace", AdapterFunc(func(ctx context.Context, ref, c string, m []string) (Result, error) {
		called = true
		return Result{ID: "ms_1"}, nil
	}))
	a, ok := reg.Lookup("myspace")
	if !ok {
		t.Fatalf("custom adapter missing")
	}
	if res, _ := a.Publish(context.Background(), "a", "b", nil); res.ID != "ms_1" || !called {
		t.Fatalf("res=%+v called=%v", res, called)
	}
}
