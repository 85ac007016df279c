package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter is a boolean predicate over record fields, rendered as a formula
// for the record store's filterByFormula parameter.
type Filter interface {
	Formula() string
}

// Eq matches records whose field equals Value.
type Eq struct {
	Field string
	Value interface{}
}

func (f Eq) Formula() string {
	return fmt.Sprintf("{%s}=%s", f.Field, literal(f.Value))
}

// Gte matches records whose numeric field is at least Value.
type Gte struct {
	Field string
	Value float64
}

func (f Gte) Formula() string {
	return fmt.Sprintf("{%s}>=%s", f.Field, literal(f.Value))
}

// Lte matches records whose numeric field is at most Value.
type Lte struct {
	Field string
	Value float64
}

func (f Lte) Formula() string {
	return fmt.Sprintf("{%s}<=%s", f.Field, literal(f.Value))
}

// Contains is a case-insensitive substring search on a text field.
type Contains struct {
	Field string
	Text  string
}

func (f Contains) Formula() string {
	return fmt.Sprintf("FIND(LOWER(%s),LOWER({%s}))", literal(f.Text), f.Field)
}

// LinkHas matches records whose linked-record field references ID.
type LinkHas struct {
	Field string
	ID    string
}

func (f LinkHas) Formula() string {
	return fmt.Sprintf("FIND(%s,ARRAYJOIN({%s}))", literal(f.ID), f.Field)
}

// RecordID matches the record with the given id.
type RecordID struct {
	ID string
}

func (f RecordID) Formula() string {
	return fmt.Sprintf("RECORD_ID()=%s", literal(f.ID))
}

// And matches records satisfying every clause.
type And []Filter

func (f And) Formula() string {
	return join("AND", f)
}

// Or matches records satisfying at least one clause.
type Or []Filter

func (f Or) Formula() string {
	return join("OR", f)
}

// Not negates a clause.
type Not struct {
	Filter Filter
}

func (f Not) Formula() string {
	return fmt.Sprintf("NOT(%s)", f.Filter.Formula())
}

// RecordIDIn matches any of the given record ids.
func RecordIDIn(ids []string) Filter {
	clauses := make(Or, 0, len(ids))
	for _, id := range ids {
		clauses = append(clauses, RecordID{ID: id})
	}
	return clauses
}

// LinkIn matches records linked to any of the given ids through field.
func LinkIn(field string, ids []string) Filter {
	clauses := make(Or, 0, len(ids))
	for _, id := range ids {
		clauses = append(clauses, LinkHas{Field: field, ID: id})
	}
	return clauses
}

// AllOf combines the non-nil filters with AND, collapsing trivial cases.
func AllOf(filters ...Filter) Filter {
	var clauses And
	for _, f := range filters {
		if f != nil {
			clauses = append(clauses, f)
		}
	}
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	}
	return clauses
}

func join(op string, clauses []Filter) string {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		parts = append(parts, c.Formula())
	}
	return fmt.Sprintf("%s(%s)", op, strings.Join(parts, ","))
}

func literal(v interface{}) string {
	switch val := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(strings.ReplaceAll(val, `\`, `\\`), "'", `\'`) + "'"
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "TRUE()"
		}
		return "FALSE()"
	default:
		return literal(fmt.Sprint(val))
	}
}
