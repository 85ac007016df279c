package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"dealflow/server/internal/resilient"
)

const (
	DefaultBaseURL = "https://api.airtable.com/v0"
	MaxPageSize    = 100
)

// ListOptions narrows a list call.
type ListOptions struct {
	Filter Filter
	Limit  int
	Cursor string
	Fields []string
}

// ListResult is one page of records.
type ListResult struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"nextOffset,omitempty"`
}

// RecordStore is the CRUD surface of the remote record store.
type RecordStore interface {
	List(ctx context.Context, collection Collection, opts ListOptions) (*ListResult, error)
	Get(ctx context.Context, collection Collection, id string) (*Record, error)
	BatchGet(ctx context.Context, collection Collection, ids []string) ([]Record, error)
	Create(ctx context.Context, collection Collection, fields map[string]interface{}) (*Record, error)
	Update(ctx context.Context, collection Collection, id string, fields map[string]interface{}) (*Record, error)
	Delete(ctx context.Context, collection Collection, id string) error
}

// Client talks to the record store's HTTP API.
type Client struct {
	baseURL string
	baseID  string
	apiKey  string
	http    *resilient.Client
	logger  *logrus.Logger
}

// NewClient creates a record store client. An empty baseURL uses the
// provider's public endpoint.
func NewClient(baseURL, baseID, apiKey string, httpClient *resilient.Client, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = logrus.New()
	}
	if httpClient == nil {
		httpClient = resilient.NewClient(logger)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		baseID:  baseID,
		apiKey:  apiKey,
		http:    httpClient,
		logger:  logger,
	}
}

// List returns one page of records matching opts.
func (c *Client) List(ctx context.Context, collection Collection, opts ListOptions) (*ListResult, error) {
	params := url.Values{}
	if opts.Filter != nil {
		params.Set("filterByFormula", opts.Filter.Formula())
	}
	if opts.Limit > 0 {
		limit := opts.Limit
		if limit > MaxPageSize {
			limit = MaxPageSize
		}
		params.Set("pageSize", strconv.Itoa(limit))
	}
	if opts.Cursor != "" {
		params.Set("offset", opts.Cursor)
	}
	for _, f := range opts.Fields {
		params.Add("fields[]", f)
	}

	var result ListResult
	if err := c.do(ctx, http.MethodGet, c.collectionURL(collection), params, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return &result, nil
}

// Get returns a single record. A missing record yields an error matching
// models.ErrNotFound.
func (c *Client) Get(ctx context.Context, collection Collection, id string) (*Record, error) {
	var record Record
	if err := c.do(ctx, http.MethodGet, c.recordURL(collection, id), nil, nil, &record); err != nil {
		return nil, fmt.Errorf("failed to get %s record %s: %w", collection, id, err)
	}
	return &record, nil
}

// BatchGet resolves many ids through one filtered list call instead of one
// get per id. Ids that do not exist are simply absent from the result.
func (c *Client) BatchGet(ctx context.Context, collection Collection, ids []string) ([]Record, error) {
	ids = unique(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	return ListAll(ctx, c, collection, RecordIDIn(ids))
}

// Create inserts a record and returns it as stored.
func (c *Client) Create(ctx context.Context, collection Collection, fields map[string]interface{}) (*Record, error) {
	var record Record
	body := map[string]interface{}{"fields": fields}
	if err := c.do(ctx, http.MethodPost, c.collectionURL(collection), nil, body, &record); err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", collection, err)
	}
	return &record, nil
}

// Update applies a partial update to a record.
func (c *Client) Update(ctx context.Context, collection Collection, id string, fields map[string]interface{}) (*Record, error) {
	var record Record
	body := map[string]interface{}{"fields": fields}
	if err := c.do(ctx, http.MethodPatch, c.recordURL(collection, id), nil, body, &record); err != nil {
		return nil, fmt.Errorf("failed to update %s record %s: %w", collection, id, err)
	}
	return &record, nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, collection Collection, id string) error {
	if err := c.do(ctx, http.MethodDelete, c.recordURL(collection, id), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s record %s: %w", collection, id, err)
	}
	return nil
}

func (c *Client) collectionURL(collection Collection) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(c.baseID), url.PathEscape(string(collection)))
}

func (c *Client) recordURL(collection Collection, id string) string {
	return c.collectionURL(collection) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, respBody)
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"url":    endpoint,
			"status": resp.StatusCode,
			"type":   apiErr.Type,
		}).Warn("Record store rejected request")
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
