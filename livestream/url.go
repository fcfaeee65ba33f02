package livestream

import (
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/crewwatch/schema"
)

const apiPrefix = "/api/v1"

// StreamURL builds the websocket URL for target from the HTTP API base URL.
// http and https are rewritten to ws and wss; a trailing /api/v1 on base is
// tolerated.
func StreamURL(base string, target schema.Target, token string) (string, error) {
	if target.IsZero() {
		return "", schema.ErrNoTarget
	}
	if strings.ContainsAny(target.ID, "/?#") {
		return "", fmt.Errorf("%w: %q", schema.ErrInvalidTarget, target.ID)
	}
	u, err := wsBase(base)
	if err != nil {
		return "", err
	}
	prefix := strings.TrimSuffix(strings.TrimRight(u.Path, "/"), apiPrefix)
	switch target.Kind {
	case schema.TargetExecution:
		u.Path = prefix + apiPrefix + "/ws/executions/" + target.ID
	case schema.TargetCrew:
		u.Path = prefix + apiPrefix + "/ws/crews/" + target.ID + "/stream"
	default:
		return "", fmt.Errorf("%w: unknown kind %q", schema.ErrInvalidTarget, target.Kind)
	}
	u.RawPath = ""
	u.Fragment = ""
	query := url.Values{}
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func wsBase(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("api base url must include scheme and host (e.g. http://localhost:8000)")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported api base url scheme %q", u.Scheme)
	}
	return u, nil
}

// redactURL strips the query string so tokens never reach the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}
