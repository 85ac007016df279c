package crm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/server/internal/cache"
	"dealflow/server/internal/resilient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	httpClient := resilient.NewClient(logger, resilient.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	return NewHTTPClient(Options{
		BaseURL:    server.URL,
		Token:      "tok",
		LocationID: "loc1",
	}, httpClient, cache.NewMemory(), logger)
}

const associationsBody = `{"associations":[
	{"id":"as_sent","key":"sent_to_buyer","firstObjectLabel":"Sent to Buyer","secondObjectLabel":"Sent Property","firstObjectKey":"contact","secondObjectKey":"custom_objects.properties"},
	{"id":"as_resp","key":"buyer_responded","firstObjectLabel":"Buyer Responded","secondObjectLabel":"Responded Property"}
]}`

func TestHTTPClient_AssociationsAreCached(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/associations/", r.URL.Path)
		assert.Equal(t, "loc1", r.URL.Query().Get("locationId"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, apiVersion, r.Header.Get("Version"))
		_, _ = w.Write([]byte(associationsBody))
	})
	ctx := context.Background()

	id, err := client.AssociationIDForLabel(ctx, "sent to buyer")
	require.NoError(t, err)
	assert.Equal(t, "as_sent", id)

	id, err = client.AssociationIDForLabel(ctx, "buyer_responded")
	require.NoError(t, err)
	assert.Equal(t, "as_resp", id)

	_, err = client.AssociationIDForLabel(ctx, "Closed Deal")
	assert.ErrorIs(t, err, ErrAssociationNotFound)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "labels come from cache after the first call")
}

func TestHTTPClient_CreateRelation(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantID   string
		wantErr  bool
	}{
		{"top level id", `{"id":"rel1"}`, "rel1", false},
		{"nested relation", `{"relation":{"id":"rel2"}}`, "rel2", false},
		{"no id", `{}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/associations/relations", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(tt.response))
			})

			id, err := client.CreateRelation(context.Background(), RelationInput{
				AssociationID:  "as_sent",
				FirstRecordID:  "contact1",
				SecondRecordID: "obj1",
			})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, map[string]string{
				"locationId":     "loc1",
				"associationId":  "as_sent",
				"firstRecordId":  "contact1",
				"secondRecordId": "obj1",
			}, got)
		})
	}
}

func TestHTTPClient_DeleteRelation(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "deleted",
			status: http.StatusOK,
			body:   `{"deleted":true}`,
			check:  func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name:   "already gone",
			status: http.StatusNotFound,
			body:   `{"message":"Relation not found"}`,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrRelationNotFound) },
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `{"message":["upstream exploded"]}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
				assert.Equal(t, "upstream exploded", apiErr.Message)
				assert.False(t, errors.Is(err, ErrRelationNotFound))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/associations/relations/rel1", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			tt.check(t, client.DeleteRelation(context.Background(), "rel1"))
		})
	}
}

func TestHTTPClient_SearchRecords(t *testing.T) {
	var got map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/objects/custom_objects.properties/records/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"records":[{"id":"obj1","properties":{"address":"1 Main St","price":300000}}]}`))
	})

	records, err := client.SearchRecords(context.Background(), "custom_objects.properties", SearchQuery{
		Filters: []FieldFilter{{Field: "opportunity_id", Value: "opp9"}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "obj1", records[0].ID)
	assert.Equal(t, "1 Main St", records[0].Properties["address"])
	assert.Equal(t, "300000", records[0].Properties["price"])

	filters := got["filters"].([]interface{})
	require.Len(t, filters, 1)
	assert.Equal(t, "properties.opportunity_id", filters[0].(map[string]interface{})["field"])
	assert.Nil(t, got["query"])
}

func TestHTTPClient_ListRelations(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/associations/relations/contact1", r.URL.Path)
		_, _ = w.Write([]byte(`{"relations":[{"id":"rel1","associationId":"as_sent","firstRecordId":"contact1","secondRecordId":"obj1"}]}`))
	})

	relations, err := client.ListRelations(context.Background(), "contact1")
	require.NoError(t, err)
	assert.Equal(t, []Relation{{ID: "rel1", AssociationID: "as_sent", FirstRecordID: "contact1", SecondRecordID: "obj1"}}, relations)
}

func TestHTTPClient_RateLimitExhausted(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListRelations(context.Background(), "contact1")
	var unavailable *resilient.UpstreamUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestNoop(t *testing.T) {
	var c Client = Noop{}
	ctx := context.Background()

	_, err := c.AssociationIDForLabel(ctx, "x")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = c.CreateRelation(ctx, RelationInput{})
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, c.DeleteRelation(ctx, "rel"), ErrDisabled)
	_, err = c.SearchRecords(ctx, "obj", SearchQuery{Query: "x"})
	assert.ErrorIs(t, err, ErrDisabled)
}
