package domain

import "time"

// RequestRecord is the monitoring trail of one facade call. One record is
// emitted per request, after the response is determined; persistence is
// asynchronous and must never block the caller.
type RequestRecord struct {
	Timestamp     time.Time       `json:"timestamp"`
	ID            string          `json:"id"`
	Endpoint      string          `json:"endpoint"`
	Symbol        string          `json:"symbol"`
	Market        string          `json:"market"`
	StartDate     string          `json:"start_date,omitempty"`
	EndDate       string          `json:"end_date,omitempty"`
	Adjust        string          `json:"adjust,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	ErrorCode     string          `json:"error_code,omitempty"`
	CacheHit      bool            `json:"cache_hit"`
	CacheRatio    float64         `json:"cache_ratio"` // Days served from cache / days served
	RowsReturned  int             `json:"rows_returned"`
	GapSegments   int             `json:"gap_segments"`
	UpstreamCalls int             `json:"upstream_calls"`
	UpstreamMS    int64           `json:"upstream_ms"`
	TotalMS       int64           `json:"total_ms"`
	Segments      []SegmentDetail `json:"segments,omitempty"`
}

// SegmentDetail is the per-gap-segment breakdown attached to a record.
// Stored msgpack-encoded in the request log's detail column.
type SegmentDetail struct {
	Start      string `msgpack:"start" json:"start"`
	End        string `msgpack:"end" json:"end"`
	Days       int    `msgpack:"days" json:"days"`
	Rows       int    `msgpack:"rows" json:"rows"`
	Calls      int    `msgpack:"calls" json:"calls"`
	UpstreamMS int64  `msgpack:"upstream_ms" json:"upstream_ms"`
}
