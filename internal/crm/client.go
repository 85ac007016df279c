package crm

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

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"dealflow/server/internal/cache"
	"dealflow/server/internal/resilient"
)

const (
	DefaultBaseURL = "https://services.leadconnectorhq.com"
	apiVersion     = "2021-07-28"
	labelKeyPrefix = "crm:associations:"
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL    string
	Token      string
	LocationID string

	// How long association labels are cached; defaults to 30 minutes
	LabelTTL time.Duration
}

// HTTPClient is the CRM's REST API client.
type HTTPClient struct {
	opts   Options
	http   *resilient.Client
	cache  cache.Store
	logger *logrus.Logger
}

// NewHTTPClient creates a CRM client. Association labels are cached in cs.
func NewHTTPClient(opts Options, httpClient *resilient.Client, cs cache.Store, logger *logrus.Logger) *HTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.LabelTTL <= 0 {
		opts.LabelTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	if httpClient == nil {
		httpClient = resilient.NewClient(logger)
	}
	if cs == nil {
		cs = cache.NewMemory()
	}
	return &HTTPClient{opts: opts, http: httpClient, cache: cs, logger: logger}
}

// ListAssociations returns the location's association types, from cache
// when fresh.
func (c *HTTPClient) ListAssociations(ctx context.Context) ([]Association, error) {
	key := labelKeyPrefix + c.opts.LocationID
	var cached []Association
	if ok, err := cache.GetJSON(ctx, c.cache, key, &cached); err == nil && ok {
		return cached, nil
	}

	params := url.Values{"locationId": {c.opts.LocationID}}
	body, err := c.do(ctx, http.MethodGet, "/associations/", params, nil)
	if err != nil {
		return nil, err
	}

	var associations []Association
	gjson.GetBytes(body, "associations").ForEach(func(_, a gjson.Result) bool {
		associations = append(associations, Association{
			ID:              a.Get("id").String(),
			Key:             a.Get("key").String(),
			FirstLabel:      a.Get("firstObjectLabel").String(),
			SecondLabel:     a.Get("secondObjectLabel").String(),
			FirstObjectKey:  a.Get("firstObjectKey").String(),
			SecondObjectKey: a.Get("secondObjectKey").String(),
		})
		return true
	})

	if err := cache.SetJSON(ctx, c.cache, key, associations, c.opts.LabelTTL); err != nil {
		c.logger.WithError(err).Warn("Failed to cache CRM associations")
	}
	return associations, nil
}

// AssociationIDForLabel finds the association whose key or either label
// equals label, ignoring case.
func (c *HTTPClient) AssociationIDForLabel(ctx context.Context, label string) (string, error) {
	associations, err := c.ListAssociations(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range associations {
		if strings.EqualFold(a.Key, label) || strings.EqualFold(a.FirstLabel, label) || strings.EqualFold(a.SecondLabel, label) {
			return a.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrAssociationNotFound, label)
}

// CreateRelation links two records and returns the relation id.
func (c *HTTPClient) CreateRelation(ctx context.Context, in RelationInput) (string, error) {
	payload := map[string]string{
		"locationId":     c.opts.LocationID,
		"associationId":  in.AssociationID,
		"firstRecordId":  in.FirstRecordID,
		"secondRecordId": in.SecondRecordID,
	}
	body, err := c.do(ctx, http.MethodPost, "/associations/relations", nil, payload)
	if err != nil {
		return "", err
	}

	// the id has been seen at the top level and nested under relation/data
	for _, path := range []string{"id", "relation.id", "data.id"} {
		if id := gjson.GetBytes(body, path).String(); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("crm relation response carried no id")
}

// DeleteRelation removes a relation. A missing relation is reported as
// ErrRelationNotFound.
func (c *HTTPClient) DeleteRelation(ctx context.Context, relationID string) error {
	params := url.Values{"locationId": {c.opts.LocationID}}
	_, err := c.do(ctx, http.MethodDelete, "/associations/relations/"+url.PathEscape(relationID), params, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrRelationNotFound, relationID)
	}
	return err
}

// ListRelations returns the relations a record takes part in.
func (c *HTTPClient) ListRelations(ctx context.Context, recordID string) ([]Relation, error) {
	params := url.Values{
		"locationId": {c.opts.LocationID},
		"limit":      {"100"},
	}
	body, err := c.do(ctx, http.MethodGet, "/associations/relations/"+url.PathEscape(recordID), params, nil)
	if err != nil {
		return nil, err
	}

	var relations []Relation
	gjson.GetBytes(body, "relations").ForEach(func(_, r gjson.Result) bool {
		relations = append(relations, Relation{
			ID:             r.Get("id").String(),
			AssociationID:  r.Get("associationId").String(),
			FirstRecordID:  r.Get("firstRecordId").String(),
			SecondRecordID: r.Get("secondRecordId").String(),
		})
		return true
	})
	return relations, nil
}

// SearchRecords searches a custom object by free text or field filters.
func (c *HTTPClient) SearchRecords(ctx context.Context, objectKey string, q SearchQuery) ([]ObjectRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	payload := map[string]interface{}{
		"locationId": c.opts.LocationID,
		"page":       1,
		"pageLimit":  limit,
	}
	if q.Query != "" {
		payload["query"] = q.Query
	}
	if len(q.Filters) > 0 {
		filters := make([]map[string]interface{}, 0, len(q.Filters))
		for _, f := range q.Filters {
			filters = append(filters, map[string]interface{}{
				"field":    "properties." + f.Field,
				"operator": "eq",
				"value":    f.Value,
			})
		}
		payload["filters"] = filters
	}

	body, err := c.do(ctx, http.MethodPost, "/objects/"+url.PathEscape(objectKey)+"/records/search", nil, payload)
	if err != nil {
		return nil, err
	}

	var records []ObjectRecord
	gjson.GetBytes(body, "records").ForEach(func(_, r gjson.Result) bool {
		rec := ObjectRecord{ID: r.Get("id").String(), Properties: make(map[string]string)}
		r.Get("properties").ForEach(func(k, v gjson.Result) bool {
			rec.Properties[k.String()] = v.String()
			return true
		})
		records = append(records, rec)
		return true
	})
	return records, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, payload interface{}) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := c.opts.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	req.Header.Set("Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, body)
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).Warn("CRM rejected request")
		return nil, apiErr
	}
	return body, nil
}
