// Package storetest provides an in-memory record store for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"dealflow/server/internal/store"
)

// Memory is a store.RecordStore kept in process memory. It evaluates the
// same filter values the HTTP client renders to formulas and counts calls
// so tests can assert on request volume. Like the HTTP client, it fails
// calls made on a cancelled context.
type Memory struct {
	mu       sync.Mutex
	records  map[store.Collection][]store.Record
	nextID   int
	calls    map[string]int
	pageSize int

	// UpdateErr, when set, is consulted before every update.
	UpdateErr func(collection store.Collection, id string) error
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[store.Collection][]store.Record),
		calls:    make(map[string]int),
		pageSize: store.MaxPageSize,
	}
}

// SetPageSize caps the page size to exercise cursor handling.
func (m *Memory) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// Seed inserts a record with a fixed id.
func (m *Memory) Seed(collection store.Collection, id string, fields map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[collection] = append(m.records[collection], store.Record{
		ID:          id,
		CreatedTime: time.Now().UTC(),
		Fields:      normalize(fields),
	})
}

// Calls returns how many times op ("list", "get", ...) hit collection.
func (m *Memory) Calls(op string, collection store.Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op+":"+string(collection)]
}

// TotalCalls returns the number of calls of any kind.
func (m *Memory) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// Records returns a copy of every record in collection.
func (m *Memory) Records(collection store.Collection) []store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Record(nil), m.records[collection]...)
}

func (m *Memory) List(ctx context.Context, collection store.Collection, opts store.ListOptions) (*store.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list:"+string(collection)]++

	var matched []store.Record
	for _, r := range m.records[collection] {
		if opts.Filter == nil || Eval(opts.Filter, r) {
			matched = append(matched, r)
		}
	}

	start := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return nil, &store.APIError{StatusCode: 422, Type: "INVALID_OFFSET_VALUE", Message: "bad offset"}
		}
		start = n
	}
	limit := m.pageSize
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	result := &store.ListResult{Records: cloneAll(matched[start:end])}
	if end < len(matched) {
		result.NextCursor = strconv.Itoa(end)
	}
	return result, nil
}

func (m *Memory) Get(ctx context.Context, collection store.Collection, id string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get:"+string(collection)]++

	i := m.indexOf(collection, id)
	if i < 0 {
		return nil, notFound(collection, id)
	}
	r := clone(m.records[collection][i])
	return &r, nil
}

func (m *Memory) BatchGet(ctx context.Context, collection store.Collection, ids []string) ([]store.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return store.ListAll(ctx, m, collection, store.RecordIDIn(ids))
}

func (m *Memory) Create(ctx context.Context, collection store.Collection, fields map[string]interface{}) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create:"+string(collection)]++

	m.nextID++
	r := store.Record{
		ID:          fmt.Sprintf("rec%s%04d", strings.ToLower(string(collection))[:1], m.nextID),
		CreatedTime: time.Now().UTC(),
		Fields:      normalize(fields),
	}
	m.records[collection] = append(m.records[collection], r)
	out := clone(r)
	return &out, nil
}

func (m *Memory) Update(ctx context.Context, collection store.Collection, id string, fields map[string]interface{}) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.UpdateErr != nil {
		if err := m.UpdateErr(collection, id); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update:"+string(collection)]++

	i := m.indexOf(collection, id)
	if i < 0 {
		return nil, notFound(collection, id)
	}
	r := m.records[collection][i]
	for k, v := range normalize(fields) {
		if v == nil {
			delete(r.Fields, k)
			continue
		}
		r.Fields[k] = v
	}
	m.records[collection][i] = r
	out := clone(r)
	return &out, nil
}

func (m *Memory) Delete(ctx context.Context, collection store.Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["delete:"+string(collection)]++

	i := m.indexOf(collection, id)
	if i < 0 {
		return notFound(collection, id)
	}
	rows := m.records[collection]
	m.records[collection] = append(rows[:i:i], rows[i+1:]...)
	return nil
}

func (m *Memory) indexOf(collection store.Collection, id string) int {
	for i, r := range m.records[collection] {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Eval reports whether record r satisfies filter f.
func Eval(f store.Filter, r store.Record) bool {
	switch v := f.(type) {
	case store.Eq:
		return fmt.Sprint(r.Fields[v.Field]) == fmt.Sprint(v.Value)
	case store.Gte:
		n, ok := r.Fields[v.Field].(float64)
		return ok && n >= v.Value
	case store.Lte:
		n, ok := r.Fields[v.Field].(float64)
		return ok && n <= v.Value
	case store.Contains:
		s, _ := r.Fields[v.Field].(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(v.Text))
	case store.LinkHas:
		return strings.Contains(joinLinks(r.Fields[v.Field]), v.ID)
	case store.RecordID:
		return r.ID == v.ID
	case store.Not:
		return !Eval(v.Filter, r)
	case store.And:
		for _, c := range v {
			if !Eval(c, r) {
				return false
			}
		}
		return true
	case store.Or:
		for _, c := range v {
			if Eval(c, r) {
				return true
			}
		}
		return false
	}
	panic(fmt.Sprintf("storetest: unsupported filter %T", f))
}

func joinLinks(v interface{}) string {
	switch links := v.(type) {
	case []interface{}:
		parts := make([]string, 0, len(links))
		for _, l := range links {
			parts = append(parts, fmt.Sprint(l))
		}
		return strings.Join(parts, ",")
	case string:
		return links
	}
	return ""
}

// normalize converts Go-typed field values to what JSON decoding yields so
// the schema mapping sees the same shapes as in production.
func normalize(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case int:
			out[k] = float64(val)
		case []string:
			items := make([]interface{}, len(val))
			for i, s := range val {
				items[i] = s
			}
			out[k] = items
		default:
			out[k] = val
		}
	}
	return out
}

func clone(r store.Record) store.Record {
	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

func cloneAll(records []store.Record) []store.Record {
	out := make([]store.Record, len(records))
	for i, r := range records {
		out[i] = clone(r)
	}
	return out
}

func notFound(collection store.Collection, id string) error {
	return &store.APIError{StatusCode: 404, Type: "NOT_FOUND", Message: fmt.Sprintf("%s record %s not found", collection, id)}
}

// SortedIDs returns the ids of records in collection in sorted order.
func (m *Memory) SortedIDs(collection store.Collection) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records[collection]))
	for _, r := range m.records[collection] {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}
