package apiclient

import (
	"net/http"
	"time"

	"pkt.systems/crewwatch/internal/logx"
	"pkt.systems/pslog"
)

type loggingTransport struct {
	next http.RoundTripper
	log  pslog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path = path + "?" + req.URL.RawQuery
	}
	logger := logx.Or(req.Context(), t.log)
	if id, ok := logx.ExecutionFromContext(req.Context()); ok {
		logger = logx.WithExecution(logger, id)
	}
	if err != nil {
		logger.Debug("api request failed", "method", req.Method, "path", path, "err", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	logger.Debug("api request", "method", req.Method, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}
