package experience

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
)

type searchDoc struct {
	Category   string `json:"category"`
	Resolution string `json:"resolution"`
}

// Search runs a full-text query over category and resolution text. The
// index is built in memory from the current log on each call, so it never
// drifts from what is on disk.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, faults.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = 10
	}
	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []SearchHit{}, nil
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	defer idx.Close()

	byID := make(map[string]Experience, len(records))
	batch := idx.NewBatch()
	for _, e := range records {
		key := strconv.Itoa(e.ID)
		byID[key] = e
		if err := batch.Index(key, searchDoc{Category: e.Category, Resolution: e.Resolution}); err != nil {
			return nil, fmt.Errorf("index experience %d: %w", e.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, fmt.Errorf("index experiences: %w", err)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search experiences: %w", err)
	}
	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		e, ok := byID[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, SearchHit{Experience: e, Relevance: h.Score})
	}
	return hits, nil
}
