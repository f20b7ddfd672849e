package upstream

import (
	"strconv"
	"strings"
	"time"
)

// Helper functions to safely extract values from upstream rows. AKShare
// responses mix Chinese and English field names and emit numbers as
// float64, int or string depending on the endpoint, so every getter
// takes a list of candidate keys and tolerates the common encodings.

func getFloat64(m map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		val, ok := m[key]
		if !ok || val == nil {
			continue
		}
		switch v := val.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func getInt64(m map[string]interface{}, keys ...string) int64 {
	for _, key := range keys {
		val, ok := m[key]
		if !ok || val == nil {
			continue
		}
		switch v := val.(type) {
		case float64:
			return int64(v)
		case int:
			return int64(v)
		case int64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return int64(f)
			}
		}
	}
	return 0
}

func getString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		val, ok := m[key]
		if !ok || val == nil {
			continue
		}
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// getDate extracts a calendar date. Accepts ISO dates, compact YYYYMMDD
// (string or number, the bridge emits both) and ISO timestamps.
func getDate(m map[string]interface{}, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		val, ok := m[key]
		if !ok || val == nil {
			continue
		}
		if d, ok := parseUpstreamDate(val); ok {
			return d, true
		}
	}
	return time.Time{}, false
}

func parseUpstreamDate(val interface{}) (time.Time, bool) {
	var s string
	switch v := val.(type) {
	case string:
		s = strings.TrimSpace(v)
	case float64:
		s = strconv.FormatInt(int64(v), 10)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return time.Time{}, false
	}

	// Timestamps collapse to their date part.
	if i := strings.IndexByte(s, 'T'); i > 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}

	for _, layout := range []string{"2006-01-02", "20060102"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// itemValueMap flattens the item/value row shape some EM endpoints use
// (stock_individual_info_em, stock_bid_ask_em) into one lookup map.
func itemValueMap(rows []map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		name, ok := row["item"].(string)
		if !ok {
			continue
		}
		out[name] = row["value"]
	}
	return out
}
