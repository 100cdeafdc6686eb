package session

// MaxLogEntries bounds the diagnostic log.
const MaxLogEntries = 200

// logRing keeps the most recent entries, oldest at index 0.
type logRing struct {
	entries []LogEntry
	max     int
}

func newLogRing(max int) *logRing {
	if max <= 0 {
		max = MaxLogEntries
	}
	return &logRing{entries: make([]LogEntry, 0, max), max: max}
}

func (r *logRing) add(e LogEntry) {
	if len(r.entries) == r.max {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:len(r.entries)-1]
	}
	r.entries = append(r.entries, e)
}

// newestFirst returns a copy with the latest entry first.
func (r *logRing) newestFirst() []LogEntry {
	out := make([]LogEntry, len(r.entries))
	for i, e := range r.entries {
		out[len(r.entries)-1-i] = e
	}
	return out
}
