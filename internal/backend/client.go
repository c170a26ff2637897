package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Mazakov-d/Mammo-sub000/internal/model"
)

// Push is one push-notification request to a contact's device. Delivery is
// best-effort; there is no receipt beyond the HTTP-style success or failure.
type Push struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Priority string         `json:"priority"`
	Data     map[string]any `json:"data,omitempty"`
}

// Client is the consumed surface of the hosted backend data service. The
// service owns transport, authorization and visibility filtering; the
// coordinator only captures, syncs and notifies through it.
type Client interface {
	// UpsertLocation writes the user's position, last-write-wins per user.
	UpsertLocation(ctx context.Context, userID string, s model.LocationSample) error

	// FetchAcceptedContacts lists the user's accepted emergency contacts.
	FetchAcceptedContacts(ctx context.Context, userID string) ([]model.Contact, error)

	// SendPush delivers a push notification to the given push token.
	SendPush(ctx context.Context, pushToken string, p Push) error

	// Ping probes backend reachability.
	Ping(ctx context.Context) error
}

// HTTPClient talks JSON over HTTP to the backend service.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewHTTP constructs a client for the service at baseURL.
func NewHTTP(baseURL string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type upsertLocationRequest struct {
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	IsAlert    bool      `json:"is_alert"`
	CapturedAt time.Time `json:"captured_at"`
}

func (c *HTTPClient) UpsertLocation(ctx context.Context, userID string, s model.LocationSample) error {
	req := upsertLocationRequest{
		UserID:     userID,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		IsAlert:    s.IsAlert,
		CapturedAt: s.CapturedAt,
	}
	if err := c.postJSON(ctx, "/v1/locations", req); err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	return nil
}

func (c *HTTPClient) FetchAcceptedContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	endpoint := c.baseURL + "/v1/contacts?user_id=" + url.QueryEscape(userID)

	var contacts []model.Contact
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		var payload struct {
			Contacts []model.Contact `json:"contacts"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode contacts: %w", err))
		}
		contacts = payload.Contacts
		return nil
	}

	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("fetch contacts: %w", err)
	}
	return contacts, nil
}

func (c *HTTPClient) SendPush(ctx context.Context, pushToken string, p Push) error {
	body := struct {
		Target string `json:"target"`
		Push
	}{Target: pushToken, Push: p}

	if err := c.postJSON(ctx, "/v1/push", body); err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	return nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// postJSON sends one logical request with a small bounded retry inside it.
// From the coordinator's point of view the whole call is a single attempt;
// failures past the retry budget surface as an ordinary per-item failure.
func (c *HTTPClient) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("rejected with status %d", resp.StatusCode))
		}
		return nil
	}

	return backoff.Retry(op, c.newBackOff(ctx))
}

func (c *HTTPClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)
}
