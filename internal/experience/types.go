package experience

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTopK is the number of matches Retrieve returns when topK <= 0.
const DefaultTopK = 3

// Experience is one resolution that passed the quality gate. Records are
// immutable once written; only Clear removes them.
type Experience struct {
	ID         int       `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Category   string    `json:"category"`
	Resolution string    `json:"resolution"`
	Score      float64   `json:"score"`
}

// pythonISO is the layout of naive datetime.isoformat() values found in
// logs written by earlier tooling.
const pythonISO = "2006-01-02T15:04:05.999999"

// UnmarshalJSON accepts RFC 3339 timestamps as well as zone-less ISO-8601
// ones, which are read as UTC.
func (e *Experience) UnmarshalJSON(data []byte) error {
	type alias Experience
	var raw struct {
		alias
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Experience(raw.alias)
	if raw.Timestamp == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		ts, err = time.ParseInLocation(pythonISO, raw.Timestamp, time.UTC)
		if err != nil {
			return fmt.Errorf("experience %d: parse timestamp %q: %w", raw.ID, raw.Timestamp, err)
		}
	}
	e.Timestamp = ts
	return nil
}

// StoreResult is returned by Store.
type StoreResult struct {
	ID    int `json:"experience_id"`
	Total int `json:"total_experiences"`
}

// RetrieveResult holds the ranked matches for a category query.
type RetrieveResult struct {
	Category      string       `json:"category_searched"`
	Matches       []Experience `json:"experiences"`
	TotalMatching int          `json:"total_matching"`
	TotalStored   int          `json:"total_stored"`
}

// CategoryStats aggregates the scores of one category.
type CategoryStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"avg"`
}

// Stats summarises the log. When Empty is set every other field is zero.
type Stats struct {
	Empty            bool                     `json:"empty"`
	Message          string                   `json:"message,omitempty"`
	Total            int                      `json:"total_resolutions"`
	Average          float64                  `json:"overall_average_score"`
	Best             float64                  `json:"best_score"`
	Latest           float64                  `json:"latest_score"`
	DeltaFirstToLast float64                  `json:"improvement_first_to_last"`
	PerCategory      map[string]CategoryStats `json:"by_category,omitempty"`
}

// TimelinePoint is one record with the running average up to and including it.
type TimelinePoint struct {
	Index             int       `json:"index"`
	Timestamp         time.Time `json:"timestamp"`
	Category          string    `json:"category"`
	Score             float64   `json:"score"`
	CumulativeAverage float64   `json:"cumulative_avg"`
}

// SearchHit is a full-text match over stored resolutions.
type SearchHit struct {
	Experience Experience `json:"experience"`
	Relevance  float64    `json:"relevance"`
}
