// Package search indexes public POIs for full-text lookup. Meilisearch is
// preferred; PostgreSQL full-text search over pois.fts is the fallback.
package search

import "wikimap/api/internal/store"

// Result is a single POI hit.
type Result struct {
	ID      int64   `json:"id"`
	MapID   int64   `json:"map_id"`
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Snippet string  `json:"snippet"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type Query struct {
	Text   string
	MapID  int64 // 0 = all maps
	Type   string
	Limit  int
	Offset int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a POI search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// POIRecord is what gets pushed into the index for one POI.
type POIRecord struct {
	ID          int64   `json:"id"`
	MapID       int64   `json:"mapId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

func RecordFromPOI(poi store.POI) POIRecord {
	return POIRecord{
		ID:          poi.ID,
		MapID:       poi.MapID,
		Name:        poi.Name,
		Description: poi.Description,
		Type:        poi.Type,
		X:           poi.X,
		Y:           poi.Y,
	}
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
