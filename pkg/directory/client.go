package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/omgate/pkg/observability"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// CreateStatus is the outcome of a create-if-absent write
type CreateStatus int

const (
	// Created means the entity did not exist and was created
	Created CreateStatus = iota
	// AlreadyExists means the directory reported a conflict
	AlreadyExists
)

func (s CreateStatus) String() string {
	if s == Created {
		return "created"
	}
	return "already_exists"
}

// WriteError reports a directory write that failed. Status is 0 when no
// response was received. Body is kept for logs and never sent to clients.
type WriteError struct {
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *WriteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("directory %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("directory %s failed with status %d", e.Operation, e.Status)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// LookupError reports a team lookup that returned neither 200 nor 404.
type LookupError struct {
	Team   string
	Status int
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("team lookup for %q returned status %d", e.Team, e.Status)
}

// Client talks to the catalog's user and team API with a static service token
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logrus.FieldLogger
	metrics    *observability.Metrics
}

// NewClient creates a catalog directory client. baseURL is the API root,
// e.g. http://openmetadata:8585/api/v1.
func NewClient(baseURL, token string, httpClient *http.Client, logger logrus.FieldLogger, metrics *observability.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger.WithField("component", "directory"),
		metrics:    metrics,
	}
}

type createUserRequest struct {
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Teams []string `json:"teams"`
}

type createTeamRequest struct {
	Name string `json:"name"`
}

// CreateUser creates the user keyed by email. A conflict means the user exists.
func (c *Client) CreateUser(ctx context.Context, email string) (CreateStatus, error) {
	const op = "create_user"

	status, body, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/users", createUserRequest{
		Name:  email,
		Email: email,
		Teams: []string{},
	})
	if err != nil {
		return 0, &WriteError{Operation: op, Err: err}
	}

	switch status {
	case http.StatusCreated:
		return Created, nil
	case http.StatusConflict:
		return AlreadyExists, nil
	default:
		return 0, c.writeError(op, status, body)
	}
}

// TeamExists looks a team up by name
func (c *Client) TeamExists(ctx context.Context, name string) (bool, error) {
	query := url.Values{"name": {name}}
	status, _, err := c.do(ctx, "get_team", http.MethodGet, c.baseURL+"/teams?"+query.Encode(), nil)
	if err != nil {
		return false, err
	}

	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &LookupError{Team: name, Status: status}
	}
}

// CreateTeam creates a team. A conflict means the team exists.
func (c *Client) CreateTeam(ctx context.Context, name string) (CreateStatus, error) {
	const op = "create_team"

	status, body, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/teams", createTeamRequest{Name: name})
	if err != nil {
		return 0, &WriteError{Operation: op, Err: err}
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		return Created, nil
	case http.StatusConflict:
		return AlreadyExists, nil
	default:
		return 0, c.writeError(op, status, body)
	}
}

func (c *Client) writeError(op string, status int, body []byte) error {
	c.logger.WithFields(logrus.Fields{
		"operation": op,
		"status":    status,
		"body":      string(body),
	}).Debug("Directory rejected write")
	return &WriteError{Operation: op, Status: status, Body: string(body)}
}

// do sends one request and returns the status and a bounded prefix of the body.
func (c *Client) do(ctx context.Context, op, method, target string, payload interface{}) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveDirectoryRequest(op, 0, time.Since(start))
		return 0, nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	c.metrics.ObserveDirectoryRequest(op, resp.StatusCode, time.Since(start))

	return resp.StatusCode, body, nil
}
