package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	logx "postpilot/pkg/logx"
)

type fakeAPI struct {
	mu    sync.Mutex
	texts []string
	chats []string
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var params map[string]any
		if err := json.Unmarshal(body, &params); err != nil {
			if vals, err := url.ParseQuery(string(body)); err == nil {
				params = map[string]any{"text": vals.Get("text"), "chat_id": vals.Get("chat_id")}
			}
		}
		f.mu.Lock()
		f.texts = append(f.texts, toString(params["text"]))
		f.chats = append(f.chats, toString(params["chat_id"]))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	})
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

func TestSendSplitsLongText(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	text := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
	if err := c.Send(context.Background(), text); err != nil {
		t.Fatalf("send: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 2 {
		t.Fatalf("messages=%d want 2", len(api.texts))
	}
	if api.texts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("first chunk not cut at newline: len=%d", len(api.texts[0]))
	}
	if api.chats[0] != "42" {
		t.Fatalf("chat=%q", api.chats[0])
	}
}

func TestSendAlertHonorsContext(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SendAlert(ctx, "boom"); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatalf("expected token error")
	}
	if _, err := New(Config{Token: "1:x"}, logx.Nop()); err == nil {
		t.Fatalf("expected chat error")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{"short", "hello", 10, "", []string{"hello"}},
		{"hard cut", "abcdefghij", 4, "", []string{"abcd", "efgh", "ij"}},
		{"newline preferred", "aaaa\nbbbbbb", 8, "", []string{"aaaa", "bbbbbb"}},
		{"html tag kept whole", "abc <b>x</b>", 6, "HTML", []string{"abc ", "<b>x", "</b>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit, tt.mode)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}
