package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/crewwatch/schema"
)

// Login exchanges email and password for a token. No bearer token is sent.
func (c *Client) Login(ctx context.Context, email, password string) (schema.Token, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return schema.Token{}, fmt.Errorf("%w: email and password are required", schema.ErrInvalidRequest)
	}
	var out schema.Token
	err := c.doJSON(withAuthMode(ctx, authNone), http.MethodPost, endpoint("auth", "login"), schema.LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

// Refresh issues a new token for the current one.
func (c *Client) Refresh(ctx context.Context) (schema.Token, error) {
	var out schema.Token
	err := c.doJSON(withAuthMode(ctx, authNoRefresh), http.MethodPost, endpoint("auth", "refresh"), nil, &out)
	return out, err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (schema.User, error) {
	var out schema.User
	err := c.doJSON(ctx, http.MethodGet, endpoint("auth", "me"), nil, &out)
	return out, err
}

// Logout tells the server the session ended. Tokens are stateless, so the
// caller still has to forget its copy.
func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(withAuthMode(ctx, authNoRefresh), http.MethodPost, endpoint("auth", "logout"), nil, nil)
}
