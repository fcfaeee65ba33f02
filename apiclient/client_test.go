package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/crewwatch/internal/logx"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

type memoryTokens struct {
	mu    sync.Mutex
	token string
	saved []string
}

func (m *memoryTokens) Token(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return "", schema.ErrMissingCredential
	}
	return m.token, nil
}

func (m *memoryTokens) SaveToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.saved = append(m.saved, token)
	return nil
}

func (m *memoryTokens) savedTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saved...)
}

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) {
	if s == "" {
		return "", schema.ErrMissingCredential
	}
	return string(s), nil
}

// fakeAPI accepts bearer "good" and refreshes any other token to "good".
type fakeAPI struct {
	refreshes   atomic.Int32
	failRefresh bool

	mu       sync.Mutex
	requests []string
	bodies   []string
	auth     []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	f.bodies = append(f.bodies, string(body))
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/v1/auth/login":
		_, _ = io.WriteString(w, `{"access_token":"good","token_type":"bearer","expires_in":3600,"user":{"id":"u1","email":"a@b.c","is_active":true}}`)
		return
	case r.URL.Path == "/api/v1/auth/refresh":
		f.refreshes.Add(1)
		if f.failRefresh || r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"good","token_type":"bearer","expires_in":3600,"user":{"id":"u1","email":"a@b.c"}}`)
		return
	}
	if r.Header.Get("Authorization") != "Bearer good" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
		return
	}
	switch {
	case r.URL.Path == "/api/v1/auth/me":
		_, _ = io.WriteString(w, `{"id":"u1","email":"a@b.c","is_active":true}`)
	case r.URL.Path == "/api/v1/executions/":
		_, _ = io.WriteString(w, `{"items":[{"id":"e1","execution_type":"crew","status":"running"}],"total":1,"page":2,"page_size":5,"pages":1}`)
	case r.URL.Path == "/api/v1/executions/missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Execution not found"}`)
	case r.URL.Path == "/api/v1/executions/e1":
		_, _ = io.WriteString(w, `{"id":"e1","execution_type":"crew","status":"completed","total_tokens":12}`)
	case r.URL.Path == "/api/v1/executions/e1/cancel":
		_, _ = io.WriteString(w, `{"message":"Execution cancelled"}`)
	case r.URL.Path == "/api/v1/executions/e1/logs":
		_, _ = io.WriteString(w, `[{"id":"l1","execution_id":"e1","level":"info","message":"hello","timestamp":"2025-01-02T03:04:05Z"}]`)
	case r.URL.Path == "/api/v1/executions/e1/human-feedback":
		_, _ = io.WriteString(w, `{"message":"Feedback submitted"}`)
	case r.URL.Path == "/api/v1/crews/c1":
		_, _ = io.WriteString(w, `{"id":"c1","name":"research"}`)
	case r.URL.Path == "/api/v1/crews/c1/kickoff":
		if !json.Valid(body) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"detail":[{"loc":["body"],"msg":"invalid"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"execution_id":"e9","status":"pending","message":"Crew execution started"}`)
	case r.URL.Path == "/api/v1/crews/bad/kickoff":
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":[{"loc":["body","inputs"],"msg":"field required"}]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Not Found"}`)
	}
}

func (f *fakeAPI) log() ([]string, []string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...), append([]string(nil), f.bodies...), append([]string(nil), f.auth...)
}

func newTestClient(t *testing.T, tokens TokenSource) (*Client, *fakeAPI, *bytes.Buffer) {
	t.Helper()
	api := &fakeAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	var logs bytes.Buffer
	client, err := New(Config{
		BaseURL: server.URL + "/api/v1/",
		Tokens:  tokens,
		Logger:  pslog.NewWithOptions(&logs, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.DebugLevel}),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, api, &logs
}

func TestLoginSendsNoBearer(t *testing.T) {
	client, api, _ := newTestClient(t, staticTokens("ignored"))
	token, err := client.Login(context.Background(), " a@b.c ", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token.AccessToken != "good" || token.User.Email != "a@b.c" {
		t.Fatalf("unexpected token %+v", token)
	}
	requests, bodies, auth := api.log()
	if requests[0] != "POST /api/v1/auth/login" {
		t.Fatalf("unexpected request %q", requests[0])
	}
	if auth[0] != "" {
		t.Fatalf("login must not carry a bearer token, got %q", auth[0])
	}
	if bodies[0] != `{"email":"a@b.c","password":"pw"}` {
		t.Fatalf("unexpected login body %s", bodies[0])
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	client, api, _ := newTestClient(t, nil)
	if _, err := client.Login(context.Background(), "", "pw"); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if requests, _, _ := api.log(); len(requests) != 0 {
		t.Fatalf("expected no requests, got %v", requests)
	}
}

func TestMissingCredentialSkipsRequest(t *testing.T) {
	client, api, _ := newTestClient(t, staticTokens(""))
	_, err := client.Me(context.Background())
	if !errors.Is(err, schema.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if requests, _, _ := api.log(); len(requests) != 0 {
		t.Fatalf("expected no requests, got %v", requests)
	}
}

func TestRefreshOn401RetriesAndSaves(t *testing.T) {
	tokens := &memoryTokens{token: "expired"}
	client, api, _ := newTestClient(t, tokens)
	resp, err := client.KickoffCrew(context.Background(), "c1", schema.KickoffRequest{Inputs: map[string]any{"topic": "go"}, AsyncExecution: true})
	if err != nil {
		t.Fatalf("kickoff: %v", err)
	}
	if resp.ExecutionID != "e9" {
		t.Fatalf("unexpected kickoff response %+v", resp)
	}
	requests, bodies, auth := api.log()
	want := []string{"POST /api/v1/crews/c1/kickoff", "POST /api/v1/auth/refresh", "POST /api/v1/crews/c1/kickoff"}
	if strings.Join(requests, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected requests %v", requests)
	}
	if auth[1] != "Bearer expired" || auth[2] != "Bearer good" {
		t.Fatalf("unexpected auth headers %v", auth)
	}
	if bodies[0] != bodies[2] || !strings.Contains(bodies[2], `"topic":"go"`) {
		t.Fatalf("expected replayed body, got %v", bodies)
	}
	if saved := tokens.savedTokens(); len(saved) != 1 || saved[0] != "good" {
		t.Fatalf("expected refreshed token saved, got %v", saved)
	}
}

func TestRefreshWithoutSaverRemembersToken(t *testing.T) {
	client, api, _ := newTestClient(t, staticTokens("expired"))
	if _, err := client.Me(context.Background()); err != nil {
		t.Fatalf("me: %v", err)
	}
	if _, err := client.Me(context.Background()); err != nil {
		t.Fatalf("me again: %v", err)
	}
	if got := api.refreshes.Load(); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
	_, _, auth := api.log()
	if auth[len(auth)-1] != "Bearer good" {
		t.Fatalf("expected remembered token, got %v", auth)
	}
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	client, api, _ := newTestClient(t, staticTokens("expired"))
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Me(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("me: %v", err)
		}
	}
	if got := api.refreshes.Load(); got != 1 {
		t.Fatalf("expected a single refresh, got %d", got)
	}
}

func TestRefreshFailureReturnsUnauthorized(t *testing.T) {
	client, api, _ := newTestClient(t, staticTokens("expired"))
	api.failRefresh = true
	_, err := client.Me(context.Background())
	if !errors.Is(err, schema.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Path != "/api/v1/auth/me" || apiErr.Detail != "Could not validate credentials" {
		t.Fatalf("unexpected api error %#v", apiErr)
	}
	if requests, _, _ := api.log(); len(requests) != 2 {
		t.Fatalf("expected request plus one refresh, got %v", requests)
	}
}

func TestExplicitRefreshDoesNotRecurse(t *testing.T) {
	client, api, _ := newTestClient(t, staticTokens("good"))
	token, err := client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token.AccessToken != "good" {
		t.Fatalf("unexpected token %+v", token)
	}
	if got := api.refreshes.Load(); got != 1 {
		t.Fatalf("expected one refresh call, got %d", got)
	}
}

func TestNotFoundUnwraps(t *testing.T) {
	client, _, _ := newTestClient(t, staticTokens("good"))
	_, err := client.GetExecution(context.Background(), "missing")
	if !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "Execution not found") {
		t.Fatalf("expected detail in message, got %v", err)
	}
}

func TestValidationDetailKeptAsJSON(t *testing.T) {
	client, _, _ := newTestClient(t, staticTokens("good"))
	_, err := client.KickoffCrew(context.Background(), "bad", schema.KickoffRequest{})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("unexpected error %v", err)
	}
	if apiErr.Detail != `[{"loc":["body","inputs"],"msg":"field required"}]` {
		t.Fatalf("unexpected detail %q", apiErr.Detail)
	}
}

func TestExecutionEndpoints(t *testing.T) {
	client, api, _ := newTestClient(t, staticTokens("good"))
	ctx := context.Background()
	list, err := client.ListExecutions(ctx, schema.ExecutionListRequest{Page: 2, PageSize: 5, Status: schema.ExecutionRunning})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].Status != schema.ExecutionRunning {
		t.Fatalf("unexpected list %+v", list)
	}
	exec, err := client.GetExecution(ctx, "e1")
	if err != nil || exec.Status != schema.ExecutionCompleted || exec.TotalTokens != 12 {
		t.Fatalf("unexpected execution %+v err=%v", exec, err)
	}
	if err := client.CancelExecution(ctx, "e1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	logs, err := client.ExecutionLogs(ctx, "e1", schema.ExecutionLogsRequest{Level: "info", Limit: 10})
	if err != nil || len(logs) != 1 || logs[0].Message != "hello" {
		t.Fatalf("unexpected logs %+v err=%v", logs, err)
	}
	if err := client.SubmitHumanFeedback(ctx, "e1", nil); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	crew, err := client.GetCrew(ctx, "c1")
	if err != nil || crew.Name != "research" {
		t.Fatalf("unexpected crew %+v err=%v", crew, err)
	}
	if err := client.CancelExecution(ctx, ""); !errors.Is(err, schema.ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}

	requests, bodies, _ := api.log()
	want := []string{
		"GET /api/v1/executions/?page=2&page_size=5&status=running",
		"GET /api/v1/executions/e1",
		"POST /api/v1/executions/e1/cancel",
		"GET /api/v1/executions/e1/logs?level=info&limit=10",
		"POST /api/v1/executions/e1/human-feedback",
		"GET /api/v1/crews/c1",
	}
	if strings.Join(requests, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected requests:\n%s", strings.Join(requests, "\n"))
	}
	if bodies[4] != "{}" {
		t.Fatalf("expected empty feedback object, got %q", bodies[4])
	}
}

func TestRequestsAreLogged(t *testing.T) {
	client, _, logs := newTestClient(t, staticTokens("good"))
	if _, err := client.Me(context.Background()); err != nil {
		t.Fatalf("me: %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "api request") || !strings.Contains(out, "/api/v1/auth/me") {
		t.Fatalf("expected request log, got %s", out)
	}
	if strings.Contains(out, "good") {
		t.Fatalf("token leaked into logs: %s", out)
	}
}

func TestRequestLogCarriesContextExecution(t *testing.T) {
	client, _, logs := newTestClient(t, staticTokens("good"))
	ctx := logx.ContextWithExecution(context.Background(), "e1")
	if err := client.CancelExecution(ctx, "e1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, `"execution":"e1"`) {
		t.Fatalf("expected execution field in request log, got %s", out)
	}
}
