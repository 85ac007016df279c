// Package crm talks to the CRM's association graph: association labels,
// relations between records, and custom object record search.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

var (
	// ErrDisabled is returned by every call when no CRM credentials are configured.
	ErrDisabled = errors.New("crm integration is disabled")

	// ErrRelationNotFound means the relation was already deleted upstream.
	ErrRelationNotFound = errors.New("crm relation not found")

	// ErrAssociationNotFound means no association carries the requested label.
	ErrAssociationNotFound = errors.New("crm association not found")
)

// Association is a relation type between two object kinds.
type Association struct {
	ID              string `json:"id"`
	Key             string `json:"key"`
	FirstLabel      string `json:"first_label"`
	SecondLabel     string `json:"second_label"`
	FirstObjectKey  string `json:"first_object_key"`
	SecondObjectKey string `json:"second_object_key"`
}

// Relation is one edge of the association graph.
type Relation struct {
	ID             string `json:"id"`
	AssociationID  string `json:"association_id"`
	FirstRecordID  string `json:"first_record_id"`
	SecondRecordID string `json:"second_record_id"`
}

// RelationInput describes a relation to create.
type RelationInput struct {
	AssociationID  string
	FirstRecordID  string
	SecondRecordID string
}

// FieldFilter is an equality filter on a custom object property.
type FieldFilter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// SearchQuery is either free text or structured field filters.
type SearchQuery struct {
	Query   string
	Filters []FieldFilter
	Limit   int
}

// ObjectRecord is a custom object record returned by search.
type ObjectRecord struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// Client is the CRM surface used by the service.
type Client interface {
	ListAssociations(ctx context.Context) ([]Association, error)
	AssociationIDForLabel(ctx context.Context, label string) (string, error)
	CreateRelation(ctx context.Context, in RelationInput) (string, error)
	DeleteRelation(ctx context.Context, relationID string) error
	ListRelations(ctx context.Context, recordID string) ([]Relation, error)
	SearchRecords(ctx context.Context, objectKey string, q SearchQuery) ([]ObjectRecord, error)
}

// APIError is a non-2xx answer from the CRM.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm HTTP %d: %s", e.StatusCode, e.Message)
}

// parseAPIError accepts "message" as a string or a list of strings.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	msg := gjson.GetBytes(body, "message")
	switch {
	case msg.IsArray():
		parts := msg.Array()
		if len(parts) > 0 {
			apiErr.Message = parts[0].String()
		}
	case msg.Exists():
		apiErr.Message = msg.String()
	}
	if apiErr.Message == "" {
		apiErr.Message = gjson.GetBytes(body, "error").String()
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// Noop is the Client used without credentials.
type Noop struct{}

func (Noop) ListAssociations(context.Context) ([]Association, error) { return nil, ErrDisabled }

func (Noop) AssociationIDForLabel(context.Context, string) (string, error) { return "", ErrDisabled }

func (Noop) CreateRelation(context.Context, RelationInput) (string, error) { return "", ErrDisabled }

func (Noop) DeleteRelation(context.Context, string) error { return ErrDisabled }

func (Noop) ListRelations(context.Context, string) ([]Relation, error) { return nil, ErrDisabled }

func (Noop) SearchRecords(context.Context, string, SearchQuery) ([]ObjectRecord, error) {
	return nil, ErrDisabled
}
