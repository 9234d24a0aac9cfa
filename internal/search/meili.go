package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"wikimap/api/internal/logging"
)

const idxPOIs = "wikimap_pois"

// Meili implements Searcher against a Meilisearch instance.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects and configures the POI index. An unreachable server is
// not fatal: the health loop keeps probing and search falls back meanwhile.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		logging.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxPOIs, PrimaryKey: "id"}); err != nil {
		logging.Debug().Err(err).Msg("create poi index (may already exist)")
	}
	index := m.client.Index(idxPOIs)
	filterable := []interface{}{"mapId", "type"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logging.Warn().Err(err).Msg("update poi filterable attributes")
	}
	searchable := []string{"name", "description", "type"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logging.Warn().Err(err).Msg("update poi searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logging.Info().Msg("meilisearch recovered, reconfiguring poi index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = normalize(q)

	req := &meili.SearchRequest{
		IndexUID:              idxPOIs,
		Query:                 q.Text,
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	var filters []string
	if q.MapID > 0 {
		filters = append(filters, "mapId = "+strconv.FormatInt(q.MapID, 10))
	}
	if q.Type != "" {
		filters = append(filters, fmt.Sprintf("type = %q", q.Type))
	}
	if len(filters) > 0 {
		req.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:    decodeField[int64](hit, "id"),
		MapID: decodeField[int64](hit, "mapId"),
		Name:  decodeField[string](hit, "name"),
		Type:  decodeField[string](hit, "type"),
		X:     decodeField[float64](hit, "x"),
		Y:     decodeField[float64](hit, "y"),
	}
	r.Snippet = firstNonBlank(decodeFormatted(hit, "description"), decodeField[string](hit, "description"))
	return r
}

// Hit values are raw JSON; decoding stays on encoding/json because that is
// the type the client library hands back.
func decodeField[T any](hit meili.Hit, key string) T {
	var out T
	raw, ok := hit[key]
	if !ok {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func decodeFormatted(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexPOIs(records []POIRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPOIs).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeletePOI(id int64) error {
	_, err := m.client.Index(idxPOIs).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}
