package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"unicode/utf8"
)

func TestParseJSONResponsePlain(t *testing.T) {
	result, err := ParseJSONResponse(`{"key": "value", "num": 42}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
	if result["num"] != float64(42) {
		t.Errorf("expected num=42, got %v", result["num"])
	}
}

func TestParseJSONResponseWithCodeFence(t *testing.T) {
	for _, text := range []string{
		"```json\n{\"key\": \"value\"}\n```",
		"```\n{\"key\": \"value\"}\n```",
		"  \n  {\"key\": \"value\"}  \n  ",
		"Sure! Here is the result: {\"key\": \"value\"} Hope this helps.",
	} {
		result, err := ParseJSONResponse(text)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", text, err)
			continue
		}
		if result["key"] != "value" {
			t.Errorf("%q: expected key='value', got %v", text, result["key"])
		}
	}
}

func TestParseJSONResponseInvalid(t *testing.T) {
	for _, text := range []string{"", "not json at all", "{broken", "```\n```"} {
		if _, err := ParseJSONResponse(text); !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: expected ErrMalformed, got %v", text, err)
		}
	}
}

func TestFieldHelpers(t *testing.T) {
	m, _ := ParseJSONResponse(`{"s": " hi ", "n": 7, "ns": "8", "tags": ["a", 3, " b "]}`)
	if String(m, "s") != "hi" {
		t.Errorf("String: got %q", String(m, "s"))
	}
	if n, ok := Int(m, "n"); !ok || n != 7 {
		t.Errorf("Int(n): got %d %v", n, ok)
	}
	if n, ok := Int(m, "ns"); !ok || n != 8 {
		t.Errorf("Int(ns): got %d %v", n, ok)
	}
	if _, ok := Int(m, "missing"); ok {
		t.Error("Int(missing) should not be ok")
	}
	if tags := Strings(m, "tags"); len(tags) != 2 || tags[1] != "b" {
		t.Errorf("Strings: got %v", tags)
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"content": `{"priority": 5}`}})
	}))
	defer srv.Close()

	out, err := NewOllamaProvider("qwen2.5:7b", srv.URL).Generate(context.Background(), "hi", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"priority": 5}` {
		t.Errorf("unexpected output %q", out)
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{1, 2}, {3, 4}}})
	}))
	defer srv.Close()

	vecs, err := NewOllamaEmbedder("nomic-embed-text", srv.URL).Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 3 {
		t.Errorf("unexpected vectors %v", vecs)
	}
}

func TestUnavailableClassification(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer bad.Close()

	_, err := NewOllamaProvider("m", down.URL).Generate(context.Background(), "hi", 10)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("503 should be ErrUnavailable, got %v", err)
	}

	_, err = NewOllamaProvider("m", bad.URL).Generate(context.Background(), "hi", 10)
	if !errors.Is(err, ErrRejected) || errors.Is(err, ErrUnavailable) {
		t.Errorf("400 should be ErrRejected, got %v", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	_, err = NewOllamaProvider("m", url).Generate(context.Background(), "hi", 10)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("connection refused should be ErrUnavailable, got %v", err)
	}
}

func TestRejectedStatuses(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"model not found"}`, code)
		}))
		_, err := NewOllamaProvider("m", srv.URL).Generate(context.Background(), "hi", 10)
		srv.Close()
		if !errors.Is(err, ErrRejected) {
			t.Errorf("%d should be ErrRejected, got %v", code, err)
		}
		if errors.Is(err, ErrMalformed) {
			t.Errorf("%d must not look like a malformed reply", code)
		}
	}

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer limited.Close()
	if _, err := NewOllamaProvider("m", limited.URL).Generate(context.Background(), "hi", 10); !errors.Is(err, ErrUnavailable) {
		t.Errorf("429 should be ErrUnavailable, got %v", err)
	}
}

func TestOpenAIWithoutKey(t *testing.T) {
	p := NewOpenAIProvider("gpt-4o-mini", "POSTPIPE_TEST_UNSET_KEY")
	if p.IsConfigured() {
		t.Fatal("expected unconfigured provider")
	}
	if _, err := p.Generate(context.Background(), "hi", 10); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := "ab" + "é" + "日本"
	cases := []struct {
		n    int
		want string
	}{
		{0, ""},
		{2, "ab"},
		{3, "ab"},
		{4, "abé"},
		{6, "abé"},
		{7, "abé日"},
		{100, s},
	}
	for _, c := range cases {
		got := Truncate(s, c.n)
		if got != c.want {
			t.Errorf("Truncate(%d) = %q, want %q", c.n, got, c.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("Truncate(%d) produced invalid UTF-8 %q", c.n, got)
		}
	}
}
