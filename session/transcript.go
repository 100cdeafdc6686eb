package session

import "strings"

// Transcript is one append-only text stream: the utterance still being
// spoken plus the utterances already completed.
//
// Completion is inferred, not signalled: a fragment that neither extends
// the current utterance (current is a prefix of it) nor is already
// contained at its end (it is a suffix of current) closes the current
// utterance. This cannot tell a self-correction from a new sentence, so
// the segmentation is best-effort.
type Transcript struct {
	current string
	history []string
}

// Merge folds fragment into the transcript and returns the current
// utterance afterwards. Blank fragments are ignored.
func (t *Transcript) Merge(fragment string) string {
	next := strings.TrimSpace(fragment)
	if next == "" {
		return t.current
	}

	switch {
	case t.current == "":
		t.current = next
	case strings.HasPrefix(next, t.current):
		t.current = next
	case strings.HasSuffix(t.current, next):
		// already heard
	default:
		t.history = append(t.history, t.current)
		t.current = next
	}
	return t.current
}

// History returns a copy of the completed utterances, oldest first.
func (t *Transcript) History() []string {
	return append([]string(nil), t.history...)
}

// Reset clears the transcript.
func (t *Transcript) Reset() {
	t.current = ""
	t.history = nil
}

func (t *Transcript) snapshot() TranscriptSnapshot {
	return TranscriptSnapshot{Current: t.current, History: t.History()}
}
