package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSaver persists a refreshed token.
type TokenSaver interface {
	SaveToken(token string) error
}

type authMode int

const (
	authDefault authMode = iota
	authNone
	authNoRefresh
)

type authModeKey struct{}

func withAuthMode(ctx context.Context, mode authMode) context.Context {
	return context.WithValue(ctx, authModeKey{}, mode)
}

func authModeFrom(ctx context.Context) authMode {
	mode, _ := ctx.Value(authModeKey{}).(authMode)
	return mode
}

// authTransport attaches the bearer token and, on 401, refreshes it once and
// replays the request. Concurrent 401s share one refresh.
type authTransport struct {
	next       http.RoundTripper
	tokens     TokenSource
	saver      TokenSaver
	refreshURL string
	userAgent  string
	log        pslog.Logger

	group singleflight.Group

	mu    sync.Mutex
	stale string
	fresh string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	mode := authModeFrom(req.Context())
	if mode == authNone {
		return t.next.RoundTrip(t.prepare(req, ""))
	}
	token, err := t.token(req.Context())
	if err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(t.prepare(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized || mode == authNoRefresh {
		return resp, err
	}
	retry, ok := replay(req)
	if !ok {
		return resp, nil
	}
	refreshed, rerr := t.refresh(req.Context(), token)
	if rerr != nil {
		t.log.Debug("api token refresh failed", "err", rerr)
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return t.next.RoundTrip(t.prepare(retry, refreshed))
}

func (t *authTransport) prepare(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	if t.userAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", t.userAgent)
	}
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "application/json")
	}
	return out
}

// token returns the source token, substituting a refreshed token that could
// not be saved back to the source.
func (t *authTransport) token(ctx context.Context) (string, error) {
	if t.tokens == nil {
		return "", schema.ErrMissingCredential
	}
	token, err := t.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, schema.ErrMissingCredential) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", schema.ErrMissingCredential, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", schema.ErrMissingCredential
	}
	if fresh, ok := t.replacement(token); ok {
		return fresh, nil
	}
	return token, nil
}

func (t *authTransport) refresh(ctx context.Context, old string) (string, error) {
	value, err, _ := t.group.Do(old, func() (any, error) {
		if fresh, ok := t.replacement(old); ok {
			return fresh, nil
		}
		fresh, err := t.requestRefresh(context.WithoutCancel(ctx), old)
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.stale, t.fresh = old, fresh
		t.mu.Unlock()
		if t.saver != nil {
			if err := t.saver.SaveToken(fresh); err != nil {
				t.log.Warn("api token save failed", "err", err)
			}
		}
		t.log.Debug("api token refreshed")
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (t *authTransport) replacement(old string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old == t.stale && t.fresh != "" {
		return t.fresh, true
	}
	return "", false
}

func (t *authTransport) requestRefresh(ctx context.Context, old string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.refreshURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.next.RoundTrip(t.prepare(req, old))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newError(resp)
	}
	var token schema.Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return "", fmt.Errorf("refresh response carried no access token")
	}
	return token.AccessToken, nil
}

func replay(req *http.Request) (*http.Request, bool) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	out.Body = body
	return out, true
}
