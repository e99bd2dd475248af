package eventbuffer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/events"
)

// FilterOptions narrows a query. Zero fields do not filter.
type FilterOptions struct {
	Types      []events.Type
	Since      time.Time // inclusive
	Until      time.Time // inclusive
	WorktreeID string
	AgentID    string
	TaskID     string
	TraceID    string
	Search     string // case-insensitive, over type and JSON payload
	Limit      int    // newest N after filtering; 0 means all
}

// Filtered returns the records matching opts, oldest first.
func (b *Buffer) Filtered(opts FilterOptions) []Record {
	return Filter(b.All(), opts)
}

// Filter applies opts to records in order: type allow-list, time bounds,
// correlation ids, then search.
func Filter(records []Record, opts FilterOptions) []Record {
	var allowed map[events.Type]bool
	if len(opts.Types) > 0 {
		allowed = make(map[events.Type]bool, len(opts.Types))
		for _, t := range opts.Types {
			allowed[t] = true
		}
	}
	needle := strings.ToLower(opts.Search)

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if allowed != nil && !allowed[r.Type] {
			continue
		}
		if !opts.Since.IsZero() && r.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && r.Timestamp.After(opts.Until) {
			continue
		}
		if !matchIDs(r.Payload, opts) {
			continue
		}
		if needle != "" && !matchSearch(r, needle) {
			continue
		}
		out = append(out, r)
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

func matchIDs(payload any, opts FilterOptions) bool {
	if opts.WorktreeID == "" && opts.AgentID == "" && opts.TaskID == "" && opts.TraceID == "" {
		return true
	}
	ids := events.PayloadIDs(payload)
	if opts.WorktreeID != "" && ids.WorktreeID != opts.WorktreeID {
		return false
	}
	if opts.AgentID != "" && ids.AgentID != opts.AgentID {
		return false
	}
	if opts.TaskID != "" && ids.TaskID != opts.TaskID {
		return false
	}
	if opts.TraceID != "" && ids.TraceID != opts.TraceID {
		return false
	}
	return true
}

func matchSearch(r Record, needle string) bool {
	if strings.Contains(strings.ToLower(string(r.Type)), needle) {
		return true
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), needle)
}
