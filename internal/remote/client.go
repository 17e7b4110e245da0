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
)

const (
	restPrefix           = "/rest/v1/"
	defaultClientTimeout = 12 * time.Second
)

var (
	// ErrUnauthorized indicates a missing, expired or rejected access token.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrForbidden indicates a request for another user's rows.
	ErrForbidden = errors.New("remote: forbidden")
	// ErrNotFound indicates that the addressed row does not exist for the user.
	ErrNotFound = errors.New("remote: not found")
	// ErrStaleUpdate indicates the stored row is newer than the submitted one.
	ErrStaleUpdate = errors.New("remote: stale update")
	// ErrMalformedResponse indicates a response body that could not be decoded.
	ErrMalformedResponse = errors.New("remote: malformed response")
	// ErrUnknownTable indicates a table other than items/lists.
	ErrUnknownTable = errors.New("remote: unknown table")

	errMissingBaseURL     = errors.New("remote: base url required")
	errMissingTokenSource = errors.New("remote: token source required")
)

// StatusError carries an unexpected HTTP status and the server's error code.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Message)
}

// TokenSource supplies the bearer token for the current session.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// ClientConfig configures the HTTP remote store client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to the remote store REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewClient constructs a Client. Requests time out after cfg.Timeout (12s by default).
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultClientTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, tokens: cfg.Tokens, httpClient: httpClient}, nil
}

// Ping checks that the remote store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// ListItems returns every item row owned by userID.
func (c *Client) ListItems(ctx context.Context, userID string) ([]ItemRecord, error) {
	var rows []ItemRecord
	if err := c.do(ctx, http.MethodGet, tablePath(TableItems, "", userID), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertItem inserts a row and returns it with its server-assigned id.
func (c *Client) InsertItem(ctx context.Context, record ItemRecord) (ItemRecord, error) {
	var stored ItemRecord
	if err := c.do(ctx, http.MethodPost, tablePath(TableItems, "", ""), record, &stored); err != nil {
		return ItemRecord{}, err
	}
	if stored.ID == "" {
		return ItemRecord{}, fmt.Errorf("%w: inserted item without id", ErrMalformedResponse)
	}
	return stored, nil
}

// UpdateItem overwrites the row with record.ID.
func (c *Client) UpdateItem(ctx context.Context, record ItemRecord) error {
	return c.do(ctx, http.MethodPatch, tablePath(TableItems, record.ID, ""), record, nil)
}

// ListLists returns every list row owned by userID.
func (c *Client) ListLists(ctx context.Context, userID string) ([]ListRecord, error) {
	var rows []ListRecord
	if err := c.do(ctx, http.MethodGet, tablePath(TableLists, "", userID), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertList inserts a row and returns it with its server-assigned id.
func (c *Client) InsertList(ctx context.Context, record ListRecord) (ListRecord, error) {
	var stored ListRecord
	if err := c.do(ctx, http.MethodPost, tablePath(TableLists, "", ""), record, &stored); err != nil {
		return ListRecord{}, err
	}
	if stored.ID == "" {
		return ListRecord{}, fmt.Errorf("%w: inserted list without id", ErrMalformedResponse)
	}
	return stored, nil
}

// UpdateList overwrites the row with record.ID.
func (c *Client) UpdateList(ctx context.Context, record ListRecord) error {
	return c.do(ctx, http.MethodPatch, tablePath(TableLists, record.ID, ""), record, nil)
}

// Delete removes a row by id for userID. Deleting an absent row succeeds.
func (c *Client) Delete(ctx context.Context, table, id, userID string) error {
	if table != TableItems && table != TableLists {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return c.do(ctx, http.MethodDelete, tablePath(table, id, userID), nil, nil)
}

func tablePath(table, id, userID string) string {
	path := restPrefix + table
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	if userID != "" {
		path += "?" + url.Values{"user_id": []string{userID}}.Encode()
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrStaleUpdate
	default:
		message := strings.TrimSpace(eb.Code)
		if message == "" {
			message = strings.TrimSpace(eb.Error)
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: message}
	}
}
