package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"go.uber.org/zap"
)

const (
	defaultTable       = "items"
	defaultHTTPTimeout = 15 * time.Second
	maxErrorBodyBytes  = 4096
)

var (
	errMissingBaseURL = errors.New("remote: base url required")
	errMissingAPIKey  = errors.New("remote: api key required")
	errMissingToken   = errors.New("remote: bearer token required")
)

// Config describes how to reach the hosted backend.
type Config struct {
	// BaseURL is the backend root, e.g. https://project.example.co.
	BaseURL string
	// APIKey is the static project key sent with every request; per-request
	// bearer tokens carry the row-level authorization.
	APIKey string
	// Table is the item table name. Defaults to "items".
	Table string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is an authenticated handle to the backend's CRUD and realtime
// changefeed surface.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	table      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a backend client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		table:      table,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// RequestError carries the backend's diagnostic fields for a failed call.
type RequestError struct {
	Status  int
	Code    string
	Message string
	Hint    string
}

func (e *RequestError) Error() string {
	parts := []string{fmt.Sprintf("remote: request failed with status %d", e.Status)}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, "message="+e.Message)
	}
	if e.Hint != "" {
		parts = append(parts, "hint="+e.Hint)
	}
	return strings.Join(parts, " ")
}

// ListItems fetches the full item set for the user, ordered by the order key
// ascending.
func (c *Client) ListItems(ctx context.Context, token, userID string) ([]items.Item, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("user_id", "eq."+userID)
	query.Set("order", "order.asc")

	body, err := c.do(ctx, http.MethodGet, c.tableURL(query), token, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []items.Item
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("remote: decode rows: %w", err)
	}
	return rows, nil
}

// UpsertItems pushes a batch keyed by id; a remote record with a matching id
// is overwritten.
func (c *Client) UpsertItems(ctx context.Context, token string, batch []items.Item) error {
	if len(batch) == 0 {
		return nil
	}
	query := url.Values{}
	query.Set("on_conflict", "id")
	_, err := c.do(ctx, http.MethodPost, c.tableURL(query), token, batch,
		"resolution=merge-duplicates,return=minimal")
	return err
}

// InsertItems inserts rows without conflict merging. Used for the
// subscription self-test sentinel, which must be a direct write.
func (c *Client) InsertItems(ctx context.Context, token string, batch []items.Item) error {
	if len(batch) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, c.tableURL(nil), token, batch, "return=minimal")
	return err
}

// DeleteItems removes rows by id. The subscription self-test uses it to
// clean up its sentinel rows.
func (c *Client) DeleteItems(ctx context.Context, token string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := url.Values{}
	query.Set("id", "in.("+strings.Join(ids, ",")+")")
	_, err := c.do(ctx, http.MethodDelete, c.tableURL(query), token, nil, "return=minimal")
	return err
}

func (c *Client) tableURL(query url.Values) string {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/rest/v1/" + c.table
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String()
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, payload any, prefer string) ([]byte, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errMissingToken
	}
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("remote: encode payload: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("apikey", c.apiKey)
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		request.Header.Set("Prefer", prefer)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, parseRequestError(response.StatusCode, body)
	}
	return body, nil
}

func parseRequestError(status int, body []byte) *RequestError {
	requestErr := &RequestError{Status: status}
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
	}
	if err := json.Unmarshal(body, &detail); err == nil {
		requestErr.Code = detail.Code
		requestErr.Message = detail.Message
		requestErr.Hint = detail.Hint
	}
	if requestErr.Message == "" && len(body) > 0 {
		snippet := body
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		requestErr.Message = string(snippet)
	}
	return requestErr
}
