package bhyve

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

const (
	sessionHeader = "Orbit-Session-Token"
	userAgent     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/72.0.3626.81 Safari/537.36"
)

// loginSource logs in on every Token call using the context of the request
// that needed the token.
type loginSource struct {
	ctx    context.Context
	client *Client
}

func (s loginSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.client.cfg.RequestTimeout)
	defer cancel()
	return s.client.login(ctx)
}

// token returns the cached session token. When none is held it logs in with
// ctx, so cancelling ctx aborts the login.
func (c *Client) token(ctx context.Context) (*oauth2.Token, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	tok, err := oauth2.ReuseTokenSource(c.session, loginSource{ctx: ctx, client: c}).Token()
	if err != nil {
		return nil, err
	}
	c.session = tok
	return tok, nil
}

// invalidate drops the cached session token. The next request logs in again.
func (c *Client) invalidate() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.session = nil
}

// Login exchanges the configured credentials for a session token and caches it.
func (c *Client) Login(ctx context.Context) error {
	tok, err := c.login(ctx)
	if err != nil {
		return err
	}
	c.tokenMu.Lock()
	c.session = tok
	c.tokenMu.Unlock()
	return nil
}

// SessionToken returns the cached session token, logging in when none is held.
func (c *Client) SessionToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := c.token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

type loginRequest struct {
	Session struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	} `json:"session"`
}

type loginResponse struct {
	Token  string `json:"orbit_session_token"`
	UserID string `json:"user_id,omitempty"`
}

func (c *Client) login(ctx context.Context) (*oauth2.Token, error) {
	var body loginRequest
	body.Session.Email = c.cfg.Username
	body.Session.Password = c.cfg.Password

	req, err := c.newRequest(ctx, http.MethodPost, loginPath, nil, body)
	if err != nil {
		return nil, err
	}
	setVendorHeaders(req, c.cfg.BaseURL)

	resp, err := c.loginHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: login returned %d", ErrInvalidCredentials, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: login returned %d", ErrRequest, resp.StatusCode)
	}

	var res loginResponse
	if err := decodeBody(resp, &res); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, fmt.Errorf("%w: no session token in login response", ErrInvalidCredentials)
	}

	c.logger.Info("Logged in to B-hyve")
	return &oauth2.Token{AccessToken: res.Token, TokenType: sessionHeader}, nil
}

// sessionTransport attaches the vendor headers and the session token to every
// data request.
type sessionTransport struct {
	client *Client
	base   http.RoundTripper
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.client.token(req.Context())
	if err != nil {
		return nil, err
	}

	r := req.Clone(req.Context())
	setVendorHeaders(r, t.client.cfg.BaseURL)
	r.Header.Set(sessionHeader, tok.AccessToken)
	return t.base.RoundTrip(r)
}

func setVendorHeaders(req *http.Request, baseURL string) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json; charset=utf-8;")
	req.Header.Set("Referer", strings.TrimSuffix(baseURL, "/"))
	req.Header.Set("User-Agent", userAgent)
}
