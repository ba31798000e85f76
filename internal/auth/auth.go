// Package auth owns the agent's session: login, logout, and the bearer-token
// transport that transparently renews an expired access token.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/models"
	"golang.org/x/oauth2"
)

var (
	// ErrNoSession is returned when an authenticated call is attempted
	// without a stored access token.
	ErrNoSession = errors.New("auth: not logged in")
	// ErrSessionExpired is returned when the refresh token was rejected and
	// the session has been cleared.
	ErrSessionExpired = errors.New("auth: session expired")
)

// refreshTimeout bounds a refresh, which runs detached from the request that
// triggered it.
const refreshTimeout = 30 * time.Second

// CredentialStore persists the session. *store.Store satisfies it.
type CredentialStore interface {
	Server() (string, error)
	AccessToken() (string, error)
	RefreshToken() (string, error)
	SaveSession(server, accessToken, refreshToken string, user models.User) error
	UpdateTokens(accessToken, refreshToken string) error
	ClearSession() error
}

// Session is the state created by a successful login.
type Session struct {
	Server string
	Token  *oauth2.Token
	User   models.User
}

// Manager keeps exactly one valid access token available to every HTTP call
// site and serializes refreshes.
type Manager struct {
	store  CredentialStore
	http   *http.Client // unauthenticated, used for login/refresh/logout
	logger zerolog.Logger
	valid  *validator.Validate

	refreshMu sync.Mutex // held across the refresh-and-store sequence

	hookMu sync.Mutex
	hooks  []func()
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Store      CredentialStore
	HTTPClient *http.Client // optional; defaults to a client with a 30s timeout
	Logger     *zerolog.Logger
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("auth: store is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := log.With().Str("module", "auth").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Manager{
		store:  opts.Store,
		http:   client,
		logger: logger,
		valid:  validator.New(),
	}, nil
}

// OnSessionEnded registers fn to run once each time the session ends, either
// through Logout or because the refresh token was rejected. Hooks run outside
// of any Manager lock and must not block on in-flight HTTP calls.
func (m *Manager) OnSessionEnded(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Manager) runHooks() {
	m.hookMu.Lock()
	hooks := make([]func(), len(m.hooks))
	copy(hooks, m.hooks)
	m.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// NormalizeServer turns user input such as "10.0.0.5:3000" into a base URL.
func NormalizeServer(server string) string {
	server = strings.TrimSpace(server)
	if server == "" {
		return ""
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return strings.TrimRight(server, "/")
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string      `json:"accessToken" validate:"required"`
	RefreshToken string      `json:"refreshToken" validate:"required"`
	User         models.User `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Login authenticates against server and persists the resulting session.
func (m *Manager) Login(ctx context.Context, server, username, password string) (*Session, error) {
	server = NormalizeServer(server)
	if server == "" {
		return nil, fmt.Errorf("auth: login: server is required")
	}
	var res loginResponse
	err := m.call(ctx, http.MethodPost, server+"/api/auth/login", loginRequest{Username: username, Password: password}, &res)
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if err := m.store.SaveSession(server, res.AccessToken, res.RefreshToken, res.User); err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	m.logger.Info().Str("server", server).Str("user", res.User.Username).Msg("logged in")
	return &Session{
		Server: server,
		Token:  &oauth2.Token{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken, TokenType: "Bearer"},
		User:   res.User,
	}, nil
}

// Logout revokes the refresh token (best-effort), clears the stored session
// and runs the session-ended hooks.
func (m *Manager) Logout(ctx context.Context) error {
	m.refreshMu.Lock()
	server, _ := m.store.Server()
	refresh, _ := m.store.RefreshToken()
	if server != "" && refresh != "" {
		if err := m.call(ctx, http.MethodDelete, server+"/api/tokens", refreshRequest{RefreshToken: refresh}, nil); err != nil {
			m.logger.Warn().Err(err).Msg("revoke refresh token failed")
		}
	}
	err := m.store.ClearSession()
	m.refreshMu.Unlock()
	if err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	m.runHooks()
	return nil
}

// Token returns the stored session token, or ErrNoSession.
func (m *Manager) Token() (*oauth2.Token, error) {
	access, err := m.store.AccessToken()
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrNoSession
	}
	refresh, err := m.store.RefreshToken()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}, nil
}

// renew is called after a request authenticated with usedToken got a 401.
// It returns the token to retry with, refreshing at most once across all
// concurrent callers that observed the same stale token.
func (m *Manager) renew(ctx context.Context, usedToken string) (string, error) {
	m.refreshMu.Lock()
	current, err := m.store.AccessToken()
	if err != nil {
		m.refreshMu.Unlock()
		return "", fmt.Errorf("auth: renew: %w", err)
	}
	if current == "" {
		// Another caller already ended the session.
		m.refreshMu.Unlock()
		return "", ErrSessionExpired
	}
	if current != usedToken {
		// Someone refreshed while our request was in flight.
		m.refreshMu.Unlock()
		return current, nil
	}

	// A caller giving up must not strand a refresh the server may already
	// have applied, so the exchange only inherits ctx's values.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	access, refreshErr := m.refresh(rctx)
	cancel()
	if refreshErr == nil {
		m.refreshMu.Unlock()
		return access, nil
	}
	if transient(refreshErr) {
		m.refreshMu.Unlock()
		m.logger.Warn().Err(refreshErr).Msg("token refresh interrupted, keeping session")
		return "", fmt.Errorf("auth: renew: %w", refreshErr)
	}

	m.logger.Error().Err(refreshErr).Msg("token refresh failed, ending session")
	if err := m.store.ClearSession(); err != nil {
		m.logger.Error().Err(err).Msg("clear session")
	}
	m.refreshMu.Unlock()
	m.runHooks()
	return "", fmt.Errorf("%w: %v", ErrSessionExpired, refreshErr)
}

// transient reports whether err means the refresh never got an answer, as
// opposed to the server rejecting it.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// refresh exchanges the stored refresh token for a new access token and
// stores it. Callers must hold refreshMu.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	server, err := m.store.Server()
	if err != nil {
		return "", err
	}
	refresh, err := m.store.RefreshToken()
	if err != nil {
		return "", err
	}
	if server == "" || refresh == "" {
		return "", fmt.Errorf("no refresh token stored")
	}
	var res refreshResponse
	if err := m.call(ctx, http.MethodPost, server+"/api/auth/refresh", refreshRequest{RefreshToken: refresh}, &res); err != nil {
		return "", err
	}
	if err := m.store.UpdateTokens(res.AccessToken, res.RefreshToken); err != nil {
		return "", err
	}
	m.logger.Debug().Bool("rotated", res.RefreshToken != "").Msg("access token refreshed")
	return res.AccessToken, nil
}

// call performs an unauthenticated JSON request and decodes a 2xx body into
// out, validating it when out is non-nil.
func (m *Manager) call(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil {
			if e.Message != "" {
				return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, e.Message)
			}
			if e.Error != "" {
				return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, e.Error)
			}
		}
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", url, err)
	}
	if err := m.valid.Struct(out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", url, err)
	}
	return nil
}
