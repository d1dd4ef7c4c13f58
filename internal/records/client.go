package records

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a Store backed by the signaling service's session API.
type Client struct {
	http *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

// NewClient targets baseURL, e.g. http://localhost:8080. token, when set,
// is sent as a bearer token.
func NewClient(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json").
		SetError(&apiError{})
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

func statusError(resp *resty.Response) error {
	msg := resp.Status()
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		msg = e.Error
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrImmutable, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidStatus, msg)
	}
	return fmt.Errorf("records api: %s", msg)
}

func (c *Client) CreateSession(ctx context.Context, in NewSession) (*Record, error) {
	var rec Record
	resp, err := c.http.R().SetContext(ctx).SetBody(in).SetResult(&rec).Post("/api/sessions")
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusCreated, http.StatusOK:
		return &rec, nil
	case http.StatusConflict:
		return nil, ErrSessionAlreadyActive
	}
	return nil, statusError(resp)
}

func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID string, status Status) (*Record, error) {
	var rec Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		SetBody(map[string]Status{"status": status}).
		SetResult(&rec).
		Patch("/api/sessions/{sessionId}/status")
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	return &rec, nil
}

func (c *Client) GetActiveSession(ctx context.Context, patientID, doctorID string) (*Record, error) {
	var rec Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"patientId": patientID, "doctorId": doctorID}).
		SetResult(&rec).
		Get("/api/sessions/active")
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	return &rec, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		SetResult(&rec).
		Get("/api/sessions/{sessionId}")
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	return &rec, nil
}
