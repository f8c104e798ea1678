package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wesm/wxvault/internal/config"
	"github.com/wesm/wxvault/internal/contacts"
	"github.com/wesm/wxvault/internal/model"
	"github.com/wesm/wxvault/internal/service"
	"github.com/wesm/wxvault/internal/shard"
)

const testKey = "test-secret"

// mockBackend implements Backend for testing.
type mockBackend struct {
	snap        *contacts.Snapshot
	contactsErr error
	refreshes   int
	conv        func(id string, limit, offset int) *service.Conversation
	convCtx     context.Context
	status      service.Status
	panicOn     string
}

func (m *mockBackend) Contacts(ctx context.Context) (*contacts.Snapshot, error) {
	if m.panicOn == "contacts" {
		panic("boom")
	}
	if m.contactsErr != nil {
		return nil, m.contactsErr
	}
	return m.snap, nil
}

func (m *mockBackend) RefreshContacts(ctx context.Context) (*contacts.Snapshot, error) {
	m.refreshes++
	if m.contactsErr != nil {
		return nil, m.contactsErr
	}
	return m.snap, nil
}

func (m *mockBackend) Conversation(ctx context.Context, id string, limit, offset int) (*service.Conversation, error) {
	m.convCtx = ctx
	if m.conv != nil {
		return m.conv(id, limit, offset), nil
	}
	return &service.Conversation{ContactID: id, DisplayName: id, Messages: []model.Message{}}, nil
}

func (m *mockBackend) Status() service.Status {
	return m.status
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		snap: &contacts.Snapshot{
			Contacts: []model.Contact{
				{Username: "wxid_alice", NickName: "Alice", Alias: "ali"},
				{Username: "wxid_bob", NickName: "Bob", Remark: "Bobby"},
			},
			LoadedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Data.DBPath = "/srv/export"
	cfg.Server.AuthKey = testKey
	cfg.Server.RateLimitRPS = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, backend Backend) *Server {
	t.Helper()
	srv := NewServer(cfg, backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv.loc = time.UTC
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func do(srv *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testKey}
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, data any) Envelope {
	t.Helper()
	var raw struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode envelope %q: %v", w.Body.String(), err)
	}
	if data != nil {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			t.Fatalf("decode data %s: %v", raw.Data, err)
		}
	}
	return Envelope{Code: raw.Code, Message: raw.Message, Data: raw.Data}
}

func TestHealthNoAuth(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())
	w := do(srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"status":"ok"}` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestAuthRules(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{"no credentials", "/api/contacts", nil, http.StatusUnauthorized},
		{"wrong bearer", "/api/contacts", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bare token without scheme", "/api/contacts", map[string]string{"Authorization": testKey}, http.StatusUnauthorized},
		{"basic scheme", "/api/contacts", map[string]string{"Authorization": "Basic " + testKey}, http.StatusUnauthorized},
		{"bearer", "/api/contacts", authed(), http.StatusOK},
		{"x-auth-key header", "/api/contacts", map[string]string{"X-Auth-Key": testKey}, http.StatusOK},
		{"query parameter", "/api/contacts?auth_key=" + testKey, nil, http.StatusOK},
		{"wrong query parameter", "/api/contacts?auth_key=nope", nil, http.StatusUnauthorized},
		{"one good credential among bad", "/api/contacts?auth_key=nope", map[string]string{"X-Auth-Key": testKey}, http.StatusOK},
		{"unknown api route unauthenticated", "/api/nope", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, http.MethodGet, tt.target, tt.header)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusUnauthorized {
				env := decodeEnvelope(t, w, nil)
				if env.Code != 401 || env.Message != "Unauthorized: Invalid or missing auth key" {
					t.Errorf("envelope = %+v", env)
				}
				if string(env.Data.(json.RawMessage)) != "null" {
					t.Errorf("data = %s, want null", env.Data)
				}
			}
		})
	}
}

func TestEmptySecretDisablesAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AuthKey = ""
	srv := newTestServer(t, cfg, newMockBackend())
	if w := do(srv, http.MethodGet, "/api/contacts", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestPreflightBypassesAuth(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())
	w := do(srv, http.MethodOptions, "/api/messages/wxid_alice", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "GET",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Max-Age = %q", got)
	}
}

func TestCORSHeadersOnEveryResponse(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())
	for _, target := range []string{"/health", "/api/contacts", "/nope"} {
		w := do(srv, http.MethodGet, target, nil)
		h := w.Header()
		if h.Get("Access-Control-Allow-Origin") != "*" ||
			h.Get("Access-Control-Allow-Methods") == "" ||
			h.Get("Access-Control-Allow-Headers") == "" {
			t.Errorf("%s: missing CORS headers: %v", target, h)
		}
	}
}

func TestNotFoundAndMethodMismatch(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())
	tests := []struct{ method, target string }{
		{http.MethodGet, "/nope"},
		{http.MethodGet, "/api/nope"},
		{http.MethodGet, "/api/messages/"},
		{http.MethodPost, "/api/contacts"},
		{http.MethodGet, "/api/contacts/refresh"},
		{http.MethodDelete, "/api/status"},
		{http.MethodPost, "/health"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := do(srv, tt.method, tt.target, authed())
			if w.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", w.Code)
			}
			if env := decodeEnvelope(t, w, nil); env.Code != 404 {
				t.Errorf("code = %d, want 404", env.Code)
			}
		})
	}
}

func TestContactsByteIdentical(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())

	first := do(srv, http.MethodGet, "/api/contacts", authed())
	second := do(srv, http.MethodGet, "/api/contacts", authed())
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("payloads differ:\n%s\n%s", first.Body, second.Body)
	}

	var data ContactsData
	env := decodeEnvelope(t, first, &data)
	if env.Code != 0 || env.Message != "success" {
		t.Errorf("envelope = %+v", env)
	}
	want := ContactsData{
		Contacts: []ContactItem{
			{Index: 0, NickName: "Alice", Wxid: "wxid_alice", Alias: "ali"},
			{Index: 1, NickName: "Bob", Wxid: "wxid_bob", Remark: "Bobby"},
		},
		Total:     2,
		CacheTime: "2024-05-01T12:00:00Z",
	}
	if data.Total != want.Total || data.CacheTime != want.CacheTime || len(data.Contacts) != 2 {
		t.Fatalf("data = %+v", data)
	}
	for i := range want.Contacts {
		if data.Contacts[i] != want.Contacts[i] {
			t.Errorf("contact %d = %+v, want %+v", i, data.Contacts[i], want.Contacts[i])
		}
	}
}

func TestContactsUnavailable(t *testing.T) {
	backend := newMockBackend()
	backend.contactsErr = contacts.ErrNoSnapshot
	srv := newTestServer(t, testConfig(), backend)

	w := do(srv, http.MethodGet, "/api/contacts", authed())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if env := decodeEnvelope(t, w, nil); env.Code != 500 || env.Message != internalMessage {
		t.Errorf("envelope = %+v", env)
	}
}

func TestRefreshContacts(t *testing.T) {
	backend := newMockBackend()
	srv := newTestServer(t, testConfig(), backend)

	w := do(srv, http.MethodPost, "/api/contacts/refresh", authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body)
	}
	var data RefreshData
	decodeEnvelope(t, w, &data)
	if data.Count != 2 || data.CacheTime != "2024-05-01T12:00:00Z" {
		t.Errorf("data = %+v", data)
	}
	if backend.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", backend.refreshes)
	}
}

func TestMessagesValidation(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())
	for _, q := range []string{
		"limit=abc", "limit=0", "limit=-1", "limit=1001", "limit=1.5",
		"offset=-1", "offset=x", "offset=2147483648",
		"offset=9223372036854775800", "offset=99999999999999999999",
	} {
		t.Run(q, func(t *testing.T) {
			w := do(srv, http.MethodGet, "/api/messages/wxid_alice?"+q, authed())
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if env := decodeEnvelope(t, w, nil); env.Code != 400 {
				t.Errorf("code = %d", env.Code)
			}
		})
	}
}

func TestMessagesHaveNoRequestDeadline(t *testing.T) {
	backend := newMockBackend()
	srv := newTestServer(t, testConfig(), backend)

	w := do(srv, http.MethodGet, "/api/messages/wxid_alice", authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if backend.convCtx == nil {
		t.Fatal("Conversation was not called")
	}
	if d, ok := backend.convCtx.Deadline(); ok {
		t.Errorf("request context has deadline %v, want none", d)
	}
	if srv.server.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %s, want 0", srv.server.WriteTimeout)
	}
}

func TestMessagesContactIDDecoding(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/messages/12345@chatroom", "12345@chatroom"},
		{"/api/messages/wxid%25alice", "wxid%alice"},
		{"/api/messages/wxid%2525alice", "wxid%25alice"},
		{"/api/messages/wxid%20alice", "wxid alice"},
		{"/api/messages/a%2Fb", "a/b"},
		{"/api/messages/%E5%BC%A0%E4%B8%89", "张三"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			backend := newMockBackend()
			var got string
			backend.conv = func(id string, limit, offset int) *service.Conversation {
				got = id
				return &service.Conversation{ContactID: id, DisplayName: id, Messages: []model.Message{}}
			}
			srv := newTestServer(t, testConfig(), backend)

			w := do(srv, http.MethodGet, tt.path, authed())
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d (body %s)", w.Code, w.Body)
			}
			if got != tt.want {
				t.Errorf("contact id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessagesPagination(t *testing.T) {
	const total = 120
	backend := newMockBackend()
	var gotLimit, gotOffset int
	backend.conv = func(id string, limit, offset int) *service.Conversation {
		gotLimit, gotOffset = limit, offset
		conv := &service.Conversation{ContactID: id, DisplayName: "Alice", Total: total}
		for i := offset; i < offset+limit && i < total; i++ {
			conv.Messages = append(conv.Messages, model.Message{LocalID: int64(total - i), CreateTime: 1700000000})
		}
		return conv
	}
	srv := newTestServer(t, testConfig(), backend)

	tests := []struct {
		query       string
		limit       int
		offset      int
		wantLen     int
		wantHasMore bool
	}{
		{"", 50, 0, 50, true},
		{"limit=50&offset=50", 50, 50, 50, true},
		{"limit=50&offset=100", 50, 100, 20, false},
		{"limit=20&offset=100", 20, 100, 20, false},
		{"limit=1000", 1000, 0, 120, false},
		{"offset=500", 50, 500, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(srv, http.MethodGet, "/api/messages/wxid_alice?"+tt.query, authed())
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d (body %s)", w.Code, w.Body)
			}
			if gotLimit != tt.limit || gotOffset != tt.offset {
				t.Errorf("backend got limit=%d offset=%d, want %d/%d", gotLimit, gotOffset, tt.limit, tt.offset)
			}
			var data MessagesData
			decodeEnvelope(t, w, &data)
			p := data.Pagination
			if len(data.Messages) != tt.wantLen || p.HasMore != tt.wantHasMore || p.Total != total {
				t.Errorf("got %d messages, pagination %+v", len(data.Messages), p)
			}
			if p.HasMore != (int64(p.Offset+len(data.Messages)) < p.Total) {
				t.Errorf("hasMore inconsistent with offset+len < total: %+v", p)
			}
		})
	}
}

func TestMessagesFields(t *testing.T) {
	backend := newMockBackend()
	backend.conv = func(id string, limit, offset int) *service.Conversation {
		return &service.Conversation{
			ContactID:   id,
			DisplayName: "Alice",
			Total:       2,
			Messages: []model.Message{
				{LocalID: 9, CreateTime: 1700000000, LocalType: 1, Content: "hi", IsSend: true, SenderDisplayName: "Me"},
				{LocalID: 4, CreateTime: 1699999999, LocalType: 21474836529, Content: "<msg/>", SenderUsername: "wxid_alice", SenderDisplayName: "Alice"},
			},
		}
	}
	srv := newTestServer(t, testConfig(), backend)

	w := do(srv, http.MethodGet, "/api/messages/wxid%5Falice", authed())
	var data MessagesData
	decodeEnvelope(t, w, &data)
	if data.Session != (SessionInfo{Wxid: "wxid_alice", DisplayName: "Alice", MessageCount: 2}) {
		t.Errorf("session = %+v", data.Session)
	}
	want := []MessageItem{
		{LocalID: 9, CreateTime: 1700000000, FormattedTime: "2023-11-14 22:13:20", Type: "text", LocalType: 1, Content: "hi", IsSend: true, SenderDisplayName: "Me"},
		{LocalID: 4, CreateTime: 1699999999, FormattedTime: "2023-11-14 22:13:19", Type: "app", LocalType: 21474836529, Content: "<msg/>", SenderUsername: "wxid_alice", SenderDisplayName: "Alice"},
	}
	if len(data.Messages) != len(want) {
		t.Fatalf("messages = %+v", data.Messages)
	}
	for i := range want {
		if data.Messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, data.Messages[i], want[i])
		}
	}
}

func TestUnknownContactReturnsEmptyList(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())
	w := do(srv, http.MethodGet, "/api/messages/unknown-id", authed())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"messages":[]`)) {
		t.Errorf("messages should encode as [], body %s", w.Body)
	}
	var data MessagesData
	env := decodeEnvelope(t, w, &data)
	if env.Code != 0 || data.Session.MessageCount != 0 || data.Pagination.HasMore {
		t.Errorf("envelope %+v data %+v", env, data)
	}
}

func TestPanicRecovered(t *testing.T) {
	backend := newMockBackend()
	backend.panicOn = "contacts"
	srv := newTestServer(t, testConfig(), backend)

	w := do(srv, http.MethodGet, "/api/contacts", authed())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if env := decodeEnvelope(t, w, nil); env.Code != 500 {
		t.Errorf("code = %d, want 500", env.Code)
	}

	// The server keeps serving.
	if w := do(srv, http.MethodGet, "/api/status", authed()); w.Code != http.StatusOK {
		t.Errorf("status after panic = %d, want 200", w.Code)
	}
}

func TestStatus(t *testing.T) {
	backend := newMockBackend()
	started := time.Now().Add(-90 * time.Minute)
	backend.status = service.Status{
		Connected: true,
		Root:      "/srv/export",
		Cache: contacts.Status{
			Loaded:       true,
			LoadedAt:     time.Now().Add(-30 * time.Second),
			Count:        2,
			RefreshCount: 3,
			Interval:     5 * time.Minute,
			NextRefresh:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		Shards:    shard.Stats{ShardFiles: 4, ShardBytes: 3 << 20},
		StartedAt: started,
		Uptime:    90 * time.Minute,
	}
	srv := newTestServer(t, testConfig(), backend)

	w := do(srv, http.MethodGet, "/api/status", authed())
	var data StatusData
	decodeEnvelope(t, w, &data)
	if !data.Connected || data.DBPath != "/srv/export" || data.Port != 8080 {
		t.Errorf("status = %+v", data)
	}
	if data.Counts != (Counts{Contacts: 2, Shards: 4}) {
		t.Errorf("counts = %+v", data.Counts)
	}
	if data.ShardBytes != 3<<20 || data.ShardSize != "3.0 MiB" {
		t.Errorf("shard size = %d / %q", data.ShardBytes, data.ShardSize)
	}
	if data.Uptime != "1h30m0s" || data.UptimeSeconds != 5400 {
		t.Errorf("uptime = %q / %d", data.Uptime, data.UptimeSeconds)
	}
	c := data.Cache
	if !c.Loaded || c.LastRefresh == nil || c.RefreshCount != 3 || c.RefreshInterval != 300 {
		t.Errorf("cache = %+v", c)
	}
	if c.AgeSeconds < 29 || c.AgeSeconds > 60 {
		t.Errorf("ageSeconds = %d, want about 30", c.AgeSeconds)
	}
	if c.NextRefresh == nil || *c.NextRefresh != "2026-05-01T12:00:00Z" {
		t.Errorf("nextRefresh = %v", c.NextRefresh)
	}
}

func TestStatusBeforeLoad(t *testing.T) {
	srv := newTestServer(t, testConfig(), newMockBackend())
	w := do(srv, http.MethodGet, "/api/status", authed())
	if !bytes.Contains(w.Body.Bytes(), []byte(`"lastRefresh":null`)) {
		t.Errorf("lastRefresh should be null before the first load: %s", w.Body)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"nextRefresh":null`)) {
		t.Errorf("nextRefresh should be null when no refresh is scheduled: %s", w.Body)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitRPS = 0.001
	cfg.Server.RateLimitBurst = 2
	srv := newTestServer(t, cfg, newMockBackend())

	for i := 0; i < 2; i++ {
		if w := do(srv, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	w := do(srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if env := decodeEnvelope(t, w, nil); env.Code != 429 {
		t.Errorf("code = %d, want 429", env.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestListenPortInUse(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0
	first := newTestServer(t, cfg, newMockBackend())
	ln, err := first.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	cfg2 := testConfig()
	cfg2.Server.Port = ln.Addr().(*net.TCPAddr).Port
	second := newTestServer(t, cfg2, newMockBackend())
	if _, err := second.Listen(); err == nil {
		t.Error("Listen on a bound port should fail")
	}
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0
	srv := newTestServer(t, cfg, newMockBackend())
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve returned %v, want ErrServerClosed", err)
	}
}
