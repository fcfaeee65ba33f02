package apiclient

import (
	"fmt"
	"net/url"
	"strings"
)

const apiPrefix = "/api/v1"

// normalizeBaseURL returns the API origin plus any deployment base path, with
// no trailing slash and no trailing /api/v1.
func normalizeBaseURL(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("api base url scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("api base url must include a host")
	}
	path := normalizeBasePath(parsed.Path)
	path = strings.TrimSuffix(path, apiPrefix)
	return parsed.Scheme + "://" + parsed.Host + path, nil
}

func normalizeBasePath(value string) string {
	path := strings.TrimSpace(value)
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimRight(path, "/")
	if path == "/" {
		return ""
	}
	return path
}

func endpoint(parts ...string) string {
	var b strings.Builder
	b.WriteString(apiPrefix)
	for _, part := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}
