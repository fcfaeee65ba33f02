package livestream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes observed on the live stream endpoints.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
	// CloseTokenRejected is sent when the token is missing or invalid.
	CloseTokenRejected = 4001
	// CloseNotFound is sent when the execution does not exist or is not visible.
	CloseNotFound = 4004
)

// Conn is one open stream transport. ReadMessage blocks until a data frame
// arrives or the transport closes. Close must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens stream transports.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// CloseInfo describes why a transport closed.
type CloseInfo struct {
	Code   int
	Reason string
}

// Normal reports a clean close initiated by the peer.
func (i CloseInfo) Normal() bool {
	return i.Code == CloseNormal
}

// Policy reports an application-defined close code (4000-4999). The backend
// uses these for rejected tokens and unknown executions.
func (i CloseInfo) Policy() bool {
	return i.Code >= 4000 && i.Code < 5000
}

// closeInfoFromError classifies a read error. clean is false when the
// transport failed without a close frame.
func closeInfoFromError(err error) (info CloseInfo, clean bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		return CloseInfo{Code: closeErr.Code, Reason: closeErr.Text}, true
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return CloseInfo{Code: CloseAbnormal, Reason: reason}, false
}

// WebSocketDialer dials streams with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
