package postgres

import (
	"strings"
	"time"

	"go-dcbcore/pkg/dcb"
)

type eventRow struct {
	Type          string
	Tags          []string
	Data          []byte
	TransactionID uint64
	Position      int64
	OccurredAt    time.Time
}

func (r eventRow) toEvent() dcb.Event {
	return dcb.Event{
		Type:          r.Type,
		Tags:          parseTags(r.Tags),
		Data:          r.Data,
		Position:      r.Position,
		TransactionID: r.TransactionID,
		OccurredAt:    r.OccurredAt,
	}
}

func parseTags(raw []string) []dcb.Tag {
	if len(raw) == 0 {
		return nil
	}
	tags := make([]dcb.Tag, 0, len(raw))
	for _, s := range raw {
		idx := strings.IndexByte(s, ':')
		if idx < 0 {
			continue
		}
		t, err := dcb.NewTag(s[:idx], s[idx+1:])
		if err != nil {
			continue
		}
		tags = append(tags, t)
	}
	return tags
}
