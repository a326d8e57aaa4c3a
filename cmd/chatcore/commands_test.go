package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/chatcore/internal/config"
	"github.com/kalambet/chatcore/internal/snapshot"
	"github.com/kalambet/chatcore/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

// useServer points CLI commands at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestReadConversations_Single(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.json")
	os.WriteFile(path, []byte(`{"id":"c1","title":"Trip","messages":[{"id":"m1","role":"user","content":"hi"}]}`), 0o644)

	convs, err := readConversations(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "c1" || len(convs[0].Messages) != 1 {
		t.Errorf("convs = %+v", convs)
	}
}

func TestReadConversations_ArrayFromStdin(t *testing.T) {
	in := strings.NewReader(` [{"id":"a","messages":[]},{"id":"b","messages":[]}] `)

	convs, err := readConversations("-", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 2 || convs[1].ID != "b" {
		t.Errorf("convs = %+v", convs)
	}
}

func TestReadConversations_Errors(t *testing.T) {
	for name, input := range map[string]string{
		"empty":      "  ",
		"invalid":    "{nope",
		"missing id": `{"title":"x"}`,
	} {
		if _, err := readConversations("-", strings.NewReader(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestIndexCommand_PostsEachConversation(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /conversations": `{"conversation_id":"c1","indexed":1}`,
	})
	useServer(t, ts)

	path := filepath.Join(t.TempDir(), "convs.json")
	os.WriteFile(path, []byte(`[{"id":"c1","messages":[{"id":"m1","content":"a"}]},{"id":"c2","messages":[]}]`), 0o644)

	if err := runCommand(t, "index", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["id"] != "c1" {
		t.Errorf("body.id = %v, want c1", sent["id"])
	}
}

func TestIndexCommand_MissingArgs(t *testing.T) {
	err := runCommand(t, "index")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestSearchCommand_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search": `[{"conversation_id":"c1","message_id":"m1","text":"hello","score":0.9}]`,
	})
	useServer(t, ts)

	if err := runCommand(t, "search", "flights", "&", "hotels", "--limit", "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	u, err := url.Parse(ts.requests[0].Path)
	if err != nil {
		t.Fatalf("parsing path: %v", err)
	}
	if got := u.Query().Get("q"); got != "flights & hotels" {
		t.Errorf("q = %q, want %q", got, "flights & hotels")
	}
	if got := u.Query().Get("limit"); got != "3" {
		t.Errorf("limit = %q, want 3", got)
	}
}

func TestSimilarCommand_SendsThresholdOnlyWhenSet(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /similar": `[]`})
	useServer(t, ts)

	if err := runCommand(t, "similar", "hello", "--exclude", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, _ := url.Parse(ts.requests[0].Path)
	if u.Query().Has("threshold") {
		t.Errorf("threshold sent without flag: %s", ts.requests[0].Path)
	}
	if u.Query().Get("exclude") != "c1" {
		t.Errorf("exclude = %q", u.Query().Get("exclude"))
	}

	if err := runCommand(t, "similar", "hello", "--threshold=-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, _ = url.Parse(ts.requests[1].Path)
	if u.Query().Get("threshold") != "-1" {
		t.Errorf("threshold = %q, want -1", u.Query().Get("threshold"))
	}
}

func TestQueueSendCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /queue": `{"id":"item-1","conversation_id":"c1","status":"pending"}`,
	})
	useServer(t, ts)

	if err := runCommand(t, "queue", "send", "c1", "see", "you", "soon"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		ConversationID string `json:"conversation_id"`
		Message        struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.ConversationID != "c1" || body.Message.Content != "see you soon" || body.Message.Role != "user" {
		t.Errorf("body = %+v", body)
	}
}

func TestQueueRetryAndClear(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /queue/retry": `{"retried":2}`,
		"POST /queue/clear": `{"cleared":1}`,
	})
	useServer(t, ts)

	if err := runCommand(t, "queue", "retry"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := runCommand(t, "queue", "clear-failed"); err != nil {
		t.Fatalf("clear-failed: %v", err)
	}
	if len(ts.requests) != 2 || ts.requests[0].Path != "/queue/retry" || ts.requests[1].Path != "/queue/clear" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestNetworkCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /network": `{"pending_count":0,"failed_count":0,"is_online":true,"is_syncing":false}`,
	})
	useServer(t, ts)

	if err := runCommand(t, "network", "online"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Body != `{"online":true}` {
		t.Errorf("body = %s", ts.requests[0].Body)
	}

	if err := runCommand(t, "network", "sideways"); err == nil {
		t.Error("expected error for invalid state")
	}
}

func TestPrintQueueStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /queue/status": `{"last_sync_at":"2025-01-01T00:00:00Z","pending_count":2,"failed_count":1,"is_online":false,"is_syncing":false}`,
	})

	var buf bytes.Buffer
	oldOut, oldColor := stderr, noColor
	stderr, noColor = &buf, true
	defer func() { stderr, noColor = oldOut, oldColor }()

	if err := printQueueStatus(ctx, ts.client()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"offline", "Pending:", "2", "Failed:", "Last sync:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"search failed: embedding provider down","type":"provider_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.get(ctx, "/search?q=x")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "embedding provider down") {
		t.Errorf("error = %q, want status and server message", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Ollama.EmbedModel = "nomic-embed-text"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestResetData(t *testing.T) {
	dir := t.TempDir()
	kv, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	kv.Set(snapshot.KeyDocuments, []byte(`{"version":1,"data":[]}`))
	kv.Set(snapshot.KeyQueueItems, []byte(`{"version":1,"data":[]}`))
	kv.Close()

	if err := resetData(dir); err != nil {
		t.Fatalf("resetData: %v", err)
	}

	kv, err = storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer kv.Close()
	keys, err := kv.Keys("")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys after reset = %v, want none", keys)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 10); got != "héllo" {
		t.Errorf("short string changed: %q", got)
	}
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q, want %q", got, "héllo...")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
