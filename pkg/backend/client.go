package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"
)

// TokenSource provides the bearer token of the current session
type TokenSource interface {
	Token() string
}

// Client is the platform snapshot API client
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

type rosterResponse struct {
	Data       []model.WireServer     `json:"data"`
	Statistics *model.FleetStatistics `json:"statistics"`
}

type serverResponse struct {
	Data *model.WireServer `json:"data"`
}

// NewClient creates a new snapshot API client
func NewClient(cfg config.BackendConfig, tokens TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultBackendConfig().Timeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		now:        time.Now,
	}
}

// FetchRoster fetches all known servers with up to messageLimit messages each
func (c *Client) FetchRoster(ctx context.Context, messageLimit int) (*model.Roster, error) {
	endpoint := fmt.Sprintf("%s/gpus?message_limit=%d", c.baseURL, messageLimit)

	respData, err := c.doRequest(ctx, http.MethodGet, endpoint, nil, MsgFetchRosterFailed, "")
	if err != nil {
		return nil, err
	}

	var resp rosterResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, &FetchError{Message: MsgFetchRosterFailed, Err: fmt.Errorf("failed to parse roster response: %w", err)}
	}

	receivedAt := c.now()
	roster := &model.Roster{
		Servers:    make([]model.ServerRecord, 0, len(resp.Data)),
		Statistics: resp.Statistics,
	}
	for _, wire := range resp.Data {
		rec, skipped := wire.ToRecord(receivedAt)
		if skipped > 0 {
			logger.WarnCtx(ctx, "Skipped %d undecodable messages for server %s", skipped, wire.ServerUUID)
		}
		roster.Servers = append(roster.Servers, rec)
	}
	return roster, nil
}

// FetchServer fetches one server with up to messageLimit messages
func (c *Client) FetchServer(ctx context.Context, serverID string, messageLimit int) (*model.ServerRecord, error) {
	endpoint := fmt.Sprintf("%s/gpus/%s?message_limit=%d", c.baseURL, url.PathEscape(serverID), messageLimit)

	respData, err := c.doRequest(ctx, http.MethodGet, endpoint, nil, MsgFetchServerFailed, MsgServerNotFound)
	if err != nil {
		return nil, err
	}

	var resp serverResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, &FetchError{Message: MsgFetchServerFailed, Err: fmt.Errorf("failed to parse server response: %w", err)}
	}
	if resp.Data == nil {
		return nil, &FetchError{StatusCode: http.StatusNotFound, Message: MsgServerNotFound, Err: errors.New("empty server response")}
	}

	rec, skipped := resp.Data.ToRecord(c.now())
	if skipped > 0 {
		logger.WarnCtx(ctx, "Skipped %d undecodable messages for server %s", skipped, serverID)
	}
	return &rec, nil
}

// Provision asks the platform to provision a new GPU server
func (c *Client) Provision(ctx context.Context) (*model.ProvisionResult, error) {
	endpoint := c.baseURL + "/gpus/provision"

	respData, err := c.doRequest(ctx, http.MethodPost, endpoint, struct{}{}, MsgProvisionFailed, "")
	if err != nil {
		return nil, err
	}

	var resp model.ProvisionResult
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, &FetchError{Message: MsgProvisionFailed, Err: fmt.Errorf("failed to parse provision response: %w", err)}
	}
	if resp.Message == "" {
		resp.Message = MsgProvisionStarted
	}
	return &resp, nil
}

// doRequest performs a request, retrying network errors and 5xx responses
// with exponential backoff. Exactly one error is returned per call.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, fallback, notFound string) ([]byte, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &FetchError{Message: fallback, Err: fmt.Errorf("failed to marshal request body: %w", err)}
		}
		payload = data
	}

	var lastErr *FetchError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			logger.DebugCtx(ctx, "Retrying %s %s in %v (attempt %d/%d)", method, endpoint, delay, attempt, c.maxRetries)
			select {
			case <-ctx.Done():
				return nil, &FetchError{Message: fallback, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		data, fetchErr := c.do(ctx, method, endpoint, payload, fallback, notFound)
		if fetchErr == nil {
			return data, nil
		}
		lastErr = fetchErr
		if !fetchErr.Retryable() || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, fallback, notFound string) ([]byte, *FetchError) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	logger.DebugCtx(ctx, "Backend API Request: %s %s", method, endpoint)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, &FetchError{Message: fallback, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Message: fallback, Err: fmt.Errorf("failed to execute HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{StatusCode: resp.StatusCode, Message: fallback, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	logger.DebugCtx(ctx, "Backend API Response: Status %d, %d bytes", resp.StatusCode, len(respData))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := messageFromBody(respData)
		if msg == "" {
			msg = fallback
			if resp.StatusCode == http.StatusNotFound && notFound != "" {
				msg = notFound
			}
		}
		return nil, &FetchError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Err:        errors.New("unexpected status " + strconv.Itoa(resp.StatusCode)),
		}
	}

	return respData, nil
}

// messageFromBody extracts the user-facing message of an error response
func messageFromBody(body []byte) string {
	var payload struct {
		Error   interface{} `json:"error"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if s, ok := payload.Error.(string); ok && s != "" {
		return s
	}
	return payload.Message
}
