package auth

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Transport is an http.RoundTripper that attaches the current bearer token
// at send time and, on a 401, renews the token through its Manager and
// retries the request once.
type Transport struct {
	m    *Manager
	base http.RoundTripper
}

// Transport returns a round tripper over base (http.DefaultTransport when nil).
func (m *Manager) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{m: m, base: base}
}

// Client returns an *http.Client whose requests are authenticated by m.
func (m *Manager) Client() *http.Client {
	return &http.Client{Transport: m.Transport(nil), Timeout: 60 * time.Second}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	used, err := t.m.store.AccessToken()
	if err != nil {
		closeBody(req)
		return nil, fmt.Errorf("auth: read token: %w", err)
	}
	if used == "" {
		closeBody(req)
		return nil, ErrNoSession
	}

	resp, err := t.base.RoundTrip(authorize(req, used))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// Rewind the body before deciding to retry.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	drain(resp)

	fresh, err := t.m.renew(req.Context(), used)
	if err != nil {
		return nil, err
	}
	retry := authorize(req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("auth: rewind body: %w", err)
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}

// authorize clones req with the bearer header for access set.
func authorize(req *http.Request, access string) *http.Request {
	out := req.Clone(req.Context())
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	tok.SetAuthHeader(out)
	return out
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
