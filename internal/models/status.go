package models

// Status is the lifecycle state of a document in the ingestion pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusParsing   Status = "parsing"
	StatusChunking  Status = "chunking"
	StatusEmbedding Status = "embedding"
	StatusStoring   Status = "storing"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
)

// pipeline order; terminal alternates are not ranked.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusParsing:   1,
	StatusChunking:  2,
	StatusEmbedding: 3,
	StatusStoring:   4,
	StatusComplete:  5,
}

func (s Status) Valid() bool {
	if _, ok := statusRank[s]; ok {
		return true
	}
	return s == StatusError || s == StatusSkipped
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusSkipped
}

// CanTransition enforces forward-only movement. Error is reachable from any
// non-terminal state; skipped only from pending.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case StatusError:
		return true
	case StatusSkipped:
		return s == StatusPending
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	next, ok := statusRank[to]
	return ok && next > from
}

// Percent is the coarse progress reported for a status when no finer-grained
// progress is available.
func (s Status) Percent() int {
	switch s {
	case StatusChunking:
		return 30
	case StatusEmbedding:
		return 70
	case StatusStoring, StatusComplete, StatusSkipped:
		return 100
	default:
		return 0
	}
}
