package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dealflow/server/internal/models"
)

// ListAll follows cursors until the collection is exhausted.
func ListAll(ctx context.Context, rs RecordStore, collection Collection, filter Filter) ([]Record, error) {
	var all []Record
	cursor := ""
	for {
		page, err := rs.List(ctx, collection, ListOptions{Filter: filter, Limit: MaxPageSize, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// Count returns the number of records in a collection.
func Count(ctx context.Context, rs RecordStore, collection Collection) (int, error) {
	total := 0
	cursor := ""
	for {
		page, err := rs.List(ctx, collection, ListOptions{Limit: MaxPageSize, Cursor: cursor})
		if err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", collection, err)
		}
		total += len(page.Records)
		if page.NextCursor == "" {
			return total, nil
		}
		cursor = page.NextCursor
	}
}

// BuyersPage returns a page of typed buyers and the next cursor.
func BuyersPage(ctx context.Context, rs RecordStore, opts ListOptions) ([]models.Buyer, string, error) {
	page, err := rs.List(ctx, Buyers, opts)
	if err != nil {
		return nil, "", err
	}
	buyers := make([]models.Buyer, 0, len(page.Records))
	for _, r := range page.Records {
		buyers = append(buyers, ToBuyer(r))
	}
	return buyers, page.NextCursor, nil
}

// PropertiesPage returns a page of typed properties and the next cursor.
func PropertiesPage(ctx context.Context, rs RecordStore, opts ListOptions) ([]models.Property, string, error) {
	page, err := rs.List(ctx, Properties, opts)
	if err != nil {
		return nil, "", err
	}
	properties := make([]models.Property, 0, len(page.Records))
	for _, r := range page.Records {
		properties = append(properties, ToProperty(r))
	}
	return properties, page.NextCursor, nil
}

// AllBuyers lists every buyer matching filter.
func AllBuyers(ctx context.Context, rs RecordStore, filter Filter) ([]models.Buyer, error) {
	records, err := ListAll(ctx, rs, Buyers, filter)
	if err != nil {
		return nil, err
	}
	buyers := make([]models.Buyer, 0, len(records))
	for _, r := range records {
		buyers = append(buyers, ToBuyer(r))
	}
	return buyers, nil
}

// AllProperties lists every property matching filter.
func AllProperties(ctx context.Context, rs RecordStore, filter Filter) ([]models.Property, error) {
	records, err := ListAll(ctx, rs, Properties, filter)
	if err != nil {
		return nil, err
	}
	properties := make([]models.Property, 0, len(records))
	for _, r := range records {
		properties = append(properties, ToProperty(r))
	}
	return properties, nil
}

// AllMatches lists every match matching filter.
func AllMatches(ctx context.Context, rs RecordStore, filter Filter) ([]models.Match, error) {
	records, err := ListAll(ctx, rs, Matches, filter)
	if err != nil {
		return nil, err
	}
	return toMatches(records), nil
}

// GetBuyer loads one buyer.
func GetBuyer(ctx context.Context, rs RecordStore, id string) (*models.Buyer, error) {
	r, err := rs.Get(ctx, Buyers, id)
	if err != nil {
		return nil, err
	}
	b := ToBuyer(*r)
	return &b, nil
}

// GetProperty loads one property.
func GetProperty(ctx context.Context, rs RecordStore, id string) (*models.Property, error) {
	r, err := rs.Get(ctx, Properties, id)
	if err != nil {
		return nil, err
	}
	p := ToProperty(*r)
	return &p, nil
}

// GetMatch loads one match.
func GetMatch(ctx context.Context, rs RecordStore, id string) (*models.Match, error) {
	r, err := rs.Get(ctx, Matches, id)
	if err != nil {
		return nil, err
	}
	m, err := ToMatch(*r)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMatch applies fields to a match and returns the stored result.
func UpdateMatch(ctx context.Context, rs RecordStore, id string, fields map[string]interface{}) (*models.Match, error) {
	r, err := rs.Update(ctx, Matches, id, fields)
	if err != nil {
		return nil, err
	}
	m, err := ToMatch(*r)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// BatchGetBuyers resolves buyers by record id in one lookup.
func BatchGetBuyers(ctx context.Context, rs RecordStore, ids []string) ([]models.Buyer, error) {
	records, err := rs.BatchGet(ctx, Buyers, ids)
	if err != nil {
		return nil, err
	}
	buyers := make([]models.Buyer, 0, len(records))
	for _, r := range records {
		buyers = append(buyers, ToBuyer(r))
	}
	return buyers, nil
}

// BatchGetProperties resolves properties by record id in one lookup.
func BatchGetProperties(ctx context.Context, rs RecordStore, ids []string) ([]models.Property, error) {
	records, err := rs.BatchGet(ctx, Properties, ids)
	if err != nil {
		return nil, err
	}
	properties := make([]models.Property, 0, len(records))
	for _, r := range records {
		properties = append(properties, ToProperty(r))
	}
	return properties, nil
}

// toMatches converts a listing. A match whose activity log cannot be
// parsed is kept without activities so one bad record does not fail the
// whole listing; single-record reads stay strict.
func toMatches(records []Record) []models.Match {
	matches := make([]models.Match, 0, len(records))
	for _, r := range records {
		m, err := ToMatch(r)
		if err != nil {
			logrus.WithError(err).WithField("match_id", r.ID).Warn("Ignoring unreadable activity log in listing")
			m.Activities = nil
		}
		matches = append(matches, m)
	}
	return matches
}
