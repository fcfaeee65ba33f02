package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/crewwatch/schema"
)

// Error is a non-2xx API response. 401 and 404 unwrap to
// schema.ErrUnauthorized and schema.ErrNotFound.
type Error struct {
	Status int
	Method string
	Path   string
	Detail string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("api %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return schema.ErrUnauthorized
	case http.StatusNotFound:
		return schema.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return schema.ErrInvalidRequest
	}
	return nil
}

const maxErrorBody = 64 << 10

func newError(resp *http.Response) *Error {
	apiErr := &Error{Status: resp.StatusCode}
	if resp.Request != nil {
		apiErr.Method = resp.Request.Method
		apiErr.Path = resp.Request.URL.Path
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr.Detail = errorDetail(data)
	return apiErr
}

// errorDetail extracts {"detail": ...}. Validation failures carry a list
// instead of a string and are kept as compact JSON.
func errorDetail(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return string(data)
	}
	var text string
	if err := json.Unmarshal(body.Detail, &text); err == nil {
		return text
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body.Detail); err != nil {
		return string(body.Detail)
	}
	return compact.String()
}
