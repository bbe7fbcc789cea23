package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/config"
	"github.com/raym33/lattice/internal/llm"
	"github.com/raym33/lattice/internal/memory"
	"github.com/raym33/lattice/internal/permissions"
	"github.com/raym33/lattice/internal/skills"
)

// testEnv is one server mounted on httptest with seeded accounts:
// admin [admin], reader [read], chatter [chat chat:stream], and
// runner [execute tool:call].
type testEnv struct {
	srv  *Server
	ts   *httptest.Server
	auth *auth.Service
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()

	svc := auth.NewService(auth.NewMemoryStore(), auth.Options{
		Secret: "test-secret",
		Logger: discardLogger(),
	})
	seed := []struct {
		username, password string
		scopes             []string
	}{
		{"admin", "admin-pw", []string{permissions.ScopeAdmin}},
		{"reader", "reader-pw", []string{permissions.ScopeRead}},
		{"chatter", "chatter-pw", []string{permissions.ScopeChat, permissions.ScopeChatStream}},
		{"runner", "runner-pw", []string{permissions.ScopeExecute, permissions.ScopeToolCall}},
	}
	for _, u := range seed {
		if _, err := svc.CreateUser(ctx, u.username, u.password, u.scopes); err != nil {
			t.Fatalf("seed user %s: %v", u.username, err)
		}
	}

	reg := skills.NewRegistry(discardLogger())
	echo, err := skills.NewTool("echo", "Echo text back.",
		json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		})
	if err != nil {
		t.Fatalf("build echo tool: %v", err)
	}
	if err := reg.Register(&skills.Skill{Name: "testkit", Description: "Test helpers.", Tools: []*skills.Tool{echo}}); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	opts := Options{
		Config:     config.Default(),
		Auth:       svc,
		Registry:   reg,
		Provider:   llm.NewMock(),
		LLMOptions: llm.Options{Model: "mock-model"},
		Memory:     memory.Noop{},
		Logger:     discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, auth: svc}
}

// do issues one request, with an optional bearer token and JSON body.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/auth/login", "",
		map[string]string{"username": username, "password": password})
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	var out loginResponse
	decodeJSON(t, resp, &out)
	return out.Token
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// errorCode drains the envelope and returns its code.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env errorEnvelope
	decodeJSON(t, resp, &env)
	return env.Error.Code
}

// readSSE collects delta frames until the stream terminator or EOF.
func readSSE(t *testing.T, r io.Reader) (deltas []string, done bool) {
	t.Helper()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected SSE line %q", line)
		}
		if payload == "[DONE]" {
			return deltas, true
		}
		var frame streamDelta
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("bad SSE frame %q: %v", payload, err)
		}
		deltas = append(deltas, frame.Delta)
	}
	return deltas, false
}

func TestOpenEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/", "/health", "/docs", "/metrics"} {
		resp := env.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := env.do(t, http.MethodGet, "/", "", nil)
	var idx indexResponse
	decodeJSON(t, resp, &idx)
	if idx.Name != "lattice" || idx.Docs != "/docs" {
		t.Errorf("index = %+v", idx)
	}

	resp = env.do(t, http.MethodGet, "/no/such/path", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "not_found" {
		t.Errorf("code = %q, want not_found", code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/v1/status", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "auth_missing" {
		t.Errorf("code = %q, want auth_missing", code)
	}

	token := env.login(t, "reader", "reader-pw")
	resp = env.do(t, http.MethodGet, "/v1/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var st statusResponse
	decodeJSON(t, resp, &st)
	if st.Status != "ok" || st.Provider != "mock" || !st.LLMAvailable {
		t.Errorf("status payload = %+v", st)
	}
	if st.SkillCount != 1 || st.ToolCount != 1 {
		t.Errorf("counts = %d skills, %d tools, want 1 and 1", st.SkillCount, st.ToolCount)
	}
}

func TestLoginAndIntrospect(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/v1/auth/login", "",
		map[string]string{"username": "reader", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "auth_invalid_token" {
		t.Errorf("code = %q, want auth_invalid_token", code)
	}

	if err := env.auth.SetUserDisabled(context.Background(), "chatter", true); err != nil {
		t.Fatal(err)
	}
	resp = env.do(t, http.MethodPost, "/v1/auth/login", "",
		map[string]string{"username": "chatter", "password": "chatter-pw"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disabled login = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "auth_disabled_user" {
		t.Errorf("code = %q, want auth_disabled_user", code)
	}

	token := env.login(t, "runner", "runner-pw")
	resp = env.do(t, http.MethodGet, "/v1/auth/introspect", token, nil)
	var ident introspectResponse
	decodeJSON(t, resp, &ident)
	if ident.Username != "runner" || ident.AuthType != auth.AuthTypePassword {
		t.Errorf("identity = %+v", ident)
	}
	expanded := map[string]bool{}
	for _, s := range ident.ExpandedScopes {
		expanded[s] = true
	}
	for _, want := range []string{permissions.ScopeExecute, permissions.ScopeWrite, permissions.ScopeRead, permissions.ScopeToolCall} {
		if !expanded[want] {
			t.Errorf("expanded scopes missing %s: %v", want, ident.ExpandedScopes)
		}
	}
}

func TestInvalidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/v1/status", "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "auth_invalid_token" {
		t.Errorf("code = %q, want auth_invalid_token", code)
	}
}

func TestDisabledUserKeepsValidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "reader", "reader-pw")

	if err := env.auth.SetUserDisabled(context.Background(), "reader", true); err != nil {
		t.Fatal(err)
	}
	resp := env.do(t, http.MethodGet, "/v1/status", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disabled user = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "auth_disabled_user" {
		t.Errorf("code = %q, want auth_disabled_user", code)
	}
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "chatter", "chatter-pw")

	resp := env.do(t, http.MethodPost, "/v1/chat", token, map[string]any{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat = %d, want 200", resp.StatusCode)
	}
	var out chatResponse
	decodeJSON(t, resp, &out)
	if out.Message != "(mock) hello" {
		t.Errorf("message = %q, want (mock) hello", out.Message)
	}
	if out.Provider != "mock" || out.Model != "mock-model" {
		t.Errorf("provenance = %q/%q", out.Provider, out.Model)
	}

	readToken := env.login(t, "reader", "reader-pw")
	resp = env.do(t, http.MethodPost, "/v1/chat", readToken, map[string]any{"message": "hello"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("read-scope chat = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "permission_denied" {
		t.Errorf("code = %q, want permission_denied", code)
	}

	resp = env.do(t, http.MethodPost, "/v1/chat", token, map[string]any{"message": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank message = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatWithoutBackend(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Provider = nil })
	token := env.login(t, "chatter", "chatter-pw")

	resp := env.do(t, http.MethodPost, "/v1/chat", token, map[string]any{"message": "hello"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("chat without backend = %d, want 503", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "backend_unavailable" {
		t.Errorf("code = %q, want backend_unavailable", code)
	}
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "chatter", "chatter-pw")

	resp := env.do(t, http.MethodPost, "/v1/chat", token,
		map[string]any{"message": "stream me please", "stream": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	deltas, done := readSSE(t, resp.Body)
	if !done {
		t.Fatal("stream did not end with [DONE]")
	}
	if got := strings.Join(deltas, ""); got != "(mock) stream me please" {
		t.Errorf("streamed %q", got)
	}
	if len(deltas) < 2 {
		t.Errorf("expected chunked delivery, got %d frames", len(deltas))
	}
}

func TestSkillEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "reader", "reader-pw")

	resp := env.do(t, http.MethodGet, "/v1/skills", token, nil)
	var list struct {
		Skills []skillSummary `json:"skills"`
		Total  int            `json:"total"`
	}
	decodeJSON(t, resp, &list)
	if list.Total != 1 || len(list.Skills) != 1 || list.Skills[0].Name != "testkit" {
		t.Fatalf("list = %+v", list)
	}
	if len(list.Skills[0].Tools) != 1 || len(list.Skills[0].Tools[0].Parameters) != 0 {
		t.Errorf("list view should omit schemas: %+v", list.Skills[0].Tools)
	}

	resp = env.do(t, http.MethodGet, "/v1/skills/testkit", token, nil)
	var sk skillSummary
	decodeJSON(t, resp, &sk)
	if sk.Name != "testkit" || len(sk.Tools) != 1 || len(sk.Tools[0].Parameters) == 0 {
		t.Errorf("detail view should include schemas: %+v", sk)
	}

	resp = env.do(t, http.MethodGet, "/v1/skills/missing", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing skill = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/skills", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous list = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSkillCall(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "runner", "runner-pw")

	resp := env.do(t, http.MethodPost, "/v1/skills/call", token,
		map[string]any{"tool": "echo", "args": map[string]any{"text": "hi there"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call = %d, want 200", resp.StatusCode)
	}
	var out skillCallResponse
	decodeJSON(t, resp, &out)
	if out.Result != "hi there" || out.Skill != "testkit" || out.Tool != "echo" {
		t.Errorf("call result = %+v", out)
	}

	// read alone does not reach the call endpoint
	readToken := env.login(t, "reader", "reader-pw")
	resp = env.do(t, http.MethodPost, "/v1/skills/call", readToken,
		map[string]any{"tool": "echo", "args": map[string]any{"text": "x"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read-scope call = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// schema validation runs before the handler
	resp = env.do(t, http.MethodPost, "/v1/skills/call", token,
		map[string]any{"tool": "echo", "args": map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid args = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/skills/call", token,
		map[string]any{"tool": "nonesuch"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tool = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSkillCallPolicyDeny(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.auth.SetUserPolicy(context.Background(), "runner",
		&permissions.Policy{DeniedSkills: []string{"testkit"}})
	if err != nil {
		t.Fatal(err)
	}

	token := env.login(t, "runner", "runner-pw")
	resp := env.do(t, http.MethodPost, "/v1/skills/call", token,
		map[string]any{"tool": "echo", "args": map[string]any{"text": "x"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("denied call = %d, want 403", resp.StatusCode)
	}
	var env2 errorEnvelope
	decodeJSON(t, resp, &env2)
	if env2.Error.Code != "permission_denied" || !strings.Contains(env2.Error.Message, "denied by policy") {
		t.Errorf("envelope = %+v", env2.Error)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	adminToken := env.login(t, "admin", "admin-pw")

	resp := env.do(t, http.MethodPost, "/v1/auth/keys", adminToken,
		map[string]any{"name": "ci", "scopes": []string{"read"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key = %d, want 201", resp.StatusCode)
	}
	var created keyCreateResponse
	decodeJSON(t, resp, &created)
	if created.Key == "" || created.KeyID == "" {
		t.Fatalf("created = %+v", created)
	}

	// the raw key authenticates via X-API-Key
	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/v1/auth/introspect", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", created.Key)
	keyResp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var ident introspectResponse
	decodeJSON(t, keyResp, &ident)
	if ident.AuthType != auth.AuthTypeAPIKey || ident.Username != "admin" {
		t.Errorf("key identity = %+v", ident)
	}
	if len(ident.Scopes) != 1 || ident.Scopes[0] != permissions.ScopeRead {
		t.Errorf("key scopes = %v, want [read]", ident.Scopes)
	}

	resp = env.do(t, http.MethodGet, "/v1/auth/keys", adminToken, nil)
	var listed struct {
		Keys  []*auth.APIKey `json:"keys"`
		Total int            `json:"total"`
	}
	decodeJSON(t, resp, &listed)
	if listed.Total != 1 || listed.Keys[0].KeyID != created.KeyID {
		t.Errorf("listed = %+v", listed)
	}

	resp = env.do(t, http.MethodDelete, "/v1/auth/keys/"+created.KeyID, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// the revoked key no longer authenticates
	req2, err := http.NewRequest(http.MethodGet, env.ts.URL+"/v1/auth/introspect", nil)
	if err != nil {
		t.Fatal(err)
	}
	req2.Header.Set("X-API-Key", created.Key)
	deadResp, err := env.ts.Client().Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	if deadResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked key = %d, want 401", deadResp.StatusCode)
	}
	deadResp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/v1/auth/keys/"+created.KeyID, adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double revoke = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestKeyScopeEscalationRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "reader", "reader-pw")

	resp := env.do(t, http.MethodPost, "/v1/auth/keys", token,
		map[string]any{"scopes": []string{"admin"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("escalation = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "permission_denied" {
		t.Errorf("code = %q, want permission_denied", code)
	}

	resp = env.do(t, http.MethodPost, "/v1/auth/keys", token,
		map[string]any{"scopes": []string{"banana"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown scope = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "invalid_request" {
		t.Errorf("code = %q, want invalid_request", code)
	}
}

func TestKeyRevocationIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t, nil)
	adminToken := env.login(t, "admin", "admin-pw")
	readToken := env.login(t, "reader", "reader-pw")

	resp := env.do(t, http.MethodPost, "/v1/auth/keys", adminToken, map[string]any{"name": "admins"})
	var adminKey keyCreateResponse
	decodeJSON(t, resp, &adminKey)

	resp = env.do(t, http.MethodPost, "/v1/auth/keys", readToken, map[string]any{"name": "mine"})
	var readerKey keyCreateResponse
	decodeJSON(t, resp, &readerKey)

	// another owner's key is indistinguishable from a missing one
	resp = env.do(t, http.MethodDelete, "/v1/auth/keys/"+adminKey.KeyID, readToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign revoke = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/v1/auth/keys/"+readerKey.KeyID, readToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("own revoke = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRateLimitHeaders(t *testing.T) {
	env := newTestEnv(t, nil) // standard tier: 60 rpm, burst capacity 90
	token := env.login(t, "reader", "reader-pw")

	resp := env.do(t, http.MethodGet, "/v1/status", token, nil)
	resp.Body.Close()
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "60" {
		t.Errorf("X-RateLimit-Limit = %q, want 60", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "89" {
		t.Errorf("X-RateLimit-Remaining = %q, want 89", got)
	}
	if got := resp.Header.Get("X-RateLimit-Reset"); got != "1" {
		t.Errorf("X-RateLimit-Reset = %q, want 1", got)
	}

	for i := 0; i < 89; i++ {
		r := env.do(t, http.MethodGet, "/v1/status", token, nil)
		r.Body.Close()
		if r.StatusCode != http.StatusOK {
			t.Fatalf("request %d limited early: %d", i+2, r.StatusCode)
		}
	}

	resp = env.do(t, http.MethodGet, "/v1/status", token, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over budget = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "" {
		t.Error("denials should not carry X-RateLimit headers")
	}
	if code := errorCode(t, resp); code != "rate_limited" {
		t.Errorf("code = %q, want rate_limited", code)
	}
}

func TestExemptPathsBypassLimits(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Config.RateLimit.Tier = "free" // 20 rpm, burst capacity 30
	})
	token := env.login(t, "reader", "reader-pw")

	for i := 0; i < 30; i++ {
		r := env.do(t, http.MethodGet, "/v1/status", token, nil)
		r.Body.Close()
	}
	resp := env.do(t, http.MethodGet, "/v1/status", token, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over budget = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()

	for _, path := range []string{"/", "/health", "/docs", "/metrics"} {
		r := env.do(t, http.MethodGet, path, token, nil)
		if r.StatusCode != http.StatusOK {
			t.Errorf("GET %s while limited = %d, want 200", path, r.StatusCode)
		}
		r.Body.Close()
	}
}

func TestHeavyEndpointBudget(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Config.RateLimit.Tier = "free" // heavy budget 5 rpm, capacity 7.5
	})
	token := env.login(t, "chatter", "chatter-pw")

	// chat costs 2 heavy tokens: three calls fit, the fourth does not
	for i := 0; i < 3; i++ {
		r := env.do(t, http.MethodPost, "/v1/chat", token, map[string]any{"message": "hi"})
		if r.StatusCode != http.StatusOK {
			t.Fatalf("chat %d = %d, want 200", i+1, r.StatusCode)
		}
		r.Body.Close()
	}
	resp := env.do(t, http.MethodPost, "/v1/chat", token, map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("fourth chat = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retry < 1 || retry > 6 {
		t.Errorf("Retry-After = %q, want 1..6", resp.Header.Get("Retry-After"))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "admin", "admin-pw")

	cases := []struct{ method, path string }{
		{http.MethodDelete, "/v1/chat"},
		{http.MethodPut, "/v1/auth/login"},
		{http.MethodPost, "/v1/skills"},
	}
	for _, tc := range cases {
		resp := env.do(t, tc.method, tc.path, token, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s %s = %d, want 400", tc.method, tc.path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}

	resp = env.do(t, http.MethodGet, "/health", "", nil)
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestAuditTrail(t *testing.T) {
	log, err := audit.New(audit.Config{Dir: t.TempDir(), MaxFileMB: 8, Backups: 2}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	env := newTestEnv(t, func(o *Options) { o.Audit = log })
	token := env.login(t, "chatter", "chatter-pw")

	resp := env.do(t, http.MethodPost, "/v1/chat", token, map[string]any{"message": "hello"})
	resp.Body.Close()
	resp = env.do(t, http.MethodPost, "/v1/auth/login", "",
		map[string]string{"username": "chatter", "password": "nope"})
	resp.Body.Close()

	events, err := log.Recent(10, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d audit events, want 3", len(events))
	}
	// newest first: failed login, chat, successful login
	if events[0].Action != audit.ActionLoginFailure ||
		events[1].Action != audit.ActionChatCompleted ||
		events[2].Action != audit.ActionLoginSuccess {
		t.Errorf("order = %v %v %v", events[0].Action, events[1].Action, events[2].Action)
	}
	if events[0].Severity != audit.SeverityWarning {
		t.Errorf("failed login severity = %q, want warning", events[0].Severity)
	}

	chat := events[1]
	if !chat.Success || chat.Username != "chatter" || chat.Method != http.MethodPost {
		t.Errorf("chat event = %+v", chat)
	}
	if chat.RequestID == "" {
		t.Error("chat event missing request id")
	}
}
