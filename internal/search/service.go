package search

import (
	"context"

	"wikimap/api/internal/logging"
	"wikimap/api/internal/store"
)

type indexBackend interface {
	Searcher
	IndexPOIs(records []POIRecord) error
	DeletePOI(id int64) error
}

type fallbackBackend interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]POIRecord, error)
}

// Service tries Meilisearch first and falls back to Postgres FTS. Either side
// may be nil.
type Service struct {
	meili indexBackend
	pgfts fallbackBackend
}

func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

func (s *Service) primaryUp() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryUp() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		logging.Ctx(ctx).Warn().Err(err).Msg("meilisearch failed, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPOIs pushes POIs to the index without blocking the caller.
func (s *Service) IndexPOIs(pois []store.POI) {
	if !s.primaryUp() || len(pois) == 0 {
		return
	}
	records := make([]POIRecord, len(pois))
	for i, poi := range pois {
		records[i] = RecordFromPOI(poi)
	}
	go func() {
		if err := s.meili.IndexPOIs(records); err != nil {
			logging.Warn().Err(err).Int("count", len(records)).Msg("index pois")
		}
	}()
}

func (s *Service) DeletePOIs(ids []int64) {
	if !s.primaryUp() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.meili.DeletePOI(id); err != nil {
				logging.Warn().Err(err).Int64("poi_id", id).Msg("delete poi from index")
			}
		}
	}()
}

// ReindexAllFromPG pushes every public POI into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryUp() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexPOIs(records); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("reindex pois")
		return
	}
	logging.Ctx(ctx).Info().Int("count", len(records)).Msg("poi index rebuilt")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
