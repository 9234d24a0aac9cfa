package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated pois.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy is always true: without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	where := "p.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.MapID > 0 {
		args = append(args, q.MapID)
		where += fmt.Sprintf(" AND p.map_id = $%d", len(args))
	}
	if q.Type != "" {
		args = append(args, q.Type)
		where += fmt.Sprintf(" AND p.type = $%d", len(args))
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pois p WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.id, p.map_id, p.name, p.type,
			ts_headline('english', coalesce(p.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30'),
			p.x, p.y
		FROM pois p
		WHERE %s
		ORDER BY ts_rank(p.fts, plainto_tsquery('english', $1)) DESC, p.id ASC
		LIMIT %d OFFSET %d`, where, q.Limit, q.Offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.MapID, &r.Name, &r.Type, &r.Snippet, &r.X, &r.Y); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every public POI for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]POIRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, map_id, name, description, type, x, y
		FROM pois
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load pois: %w", err)
	}
	defer rows.Close()

	records := make([]POIRecord, 0)
	for rows.Next() {
		var r POIRecord
		if err := rows.Scan(&r.ID, &r.MapID, &r.Name, &r.Description, &r.Type, &r.X, &r.Y); err != nil {
			return nil, fmt.Errorf("scan poi: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pois: %w", err)
	}
	return records, nil
}
