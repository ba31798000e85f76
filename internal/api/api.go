// Package api implements the plain Onloc REST calls: user, devices, ring and
// lock triggers, and location uploads. Authentication and token renewal are
// handled by the http.Client it is given.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/onloc/internal/models"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// ServerSource returns the current server base URL, or "" when unknown.
type ServerSource interface {
	Server() (string, error)
}

// Client issues REST calls against the server returned by its ServerSource.
type Client struct {
	http   *http.Client
	server ServerSource
	logger zerolog.Logger
	valid  *validator.Validate
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	HTTPClient *http.Client // authenticated client, e.g. auth.Manager.Client()
	Server     ServerSource
	Logger     *zerolog.Logger
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.HTTPClient == nil {
		return nil, fmt.Errorf("api: http client is required")
	}
	if opts.Server == nil {
		return nil, fmt.Errorf("api: server source is required")
	}
	logger := log.With().Str("module", "api").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{http: opts.HTTPClient, server: opts.Server, logger: logger, valid: validator.New()}, nil
}

// LocationUpload is the body of POST /api/locations.
type LocationUpload struct {
	DeviceID         int      `json:"device_id"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Altitude         *float64 `json:"altitude"`
	Accuracy         *float64 `json:"accuracy"`
	AltitudeAccuracy *float64 `json:"altitude_accuracy"`
	Battery          *int     `json:"battery"`
}

type lockRequest struct {
	Message string `json:"message,omitempty"`
}

// CurrentUser returns the logged-in user.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var u models.User
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &u); err != nil {
		return nil, err
	}
	if err := c.valid.Struct(u); err != nil {
		return nil, fmt.Errorf("api: malformed user: %w", err)
	}
	return &u, nil
}

// Devices returns the user's devices with their latest location.
func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &devices); err != nil {
		return nil, err
	}
	for i := range devices {
		if err := c.valid.Struct(devices[i]); err != nil {
			return nil, fmt.Errorf("api: malformed device at index %d: %w", i, err)
		}
	}
	return devices, nil
}

// Ring asks the server to ring device id.
func (c *Client) Ring(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/devices/%d/ring", id), nil, nil)
}

// Lock asks the server to lock device id, optionally showing message first.
func (c *Client) Lock(ctx context.Context, id int, message string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/devices/%d/lock", id), lockRequest{Message: message}, nil)
}

// UploadLocation posts a single location sample.
func (c *Client) UploadLocation(ctx context.Context, loc LocationUpload) error {
	return c.do(ctx, http.MethodPost, "/api/locations", loc, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	server, err := c.server.Server()
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if server == "" {
		return fmt.Errorf("api: no server configured")
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, server+path, body)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	reqID := uuid.NewString()
	req.Header.Set("X-Request-Id", reqID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug().Str("request_id", reqID).Str("method", method).Str("path", path).
		Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("request")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("api: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: malformed response from %s: %w", path, err)
	}
	return nil
}

// errorMessage extracts {"message": ...} or {"error": ...} from an error body.
func errorMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) != nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
