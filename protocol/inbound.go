package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an inbound server message.
type Kind int

const (
	KindUnknown Kind = iota
	KindSetupComplete
	KindContent
	KindToolCall
	KindToolCallCancellation
	KindSessionResumptionUpdate
	KindGoAway
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindSetupComplete:           "setupComplete",
	KindContent:                 "serverContent",
	KindToolCall:                "toolCall",
	KindToolCallCancellation:    "toolCallCancellation",
	KindSessionResumptionUpdate: "sessionResumptionUpdate",
	KindGoAway:                  "goAway",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// classifiers are checked in order; the first key present decides the kind.
var classifiers = []struct {
	kind Kind
	keys []string
}{
	{KindSetupComplete, []string{"setupComplete", "setup_complete"}},
	{KindContent, serverContentPaths},
	{KindToolCall, toolCallPaths},
	{KindToolCallCancellation, []string{"toolCallCancellation", "tool_call_cancellation"}},
	{KindSessionResumptionUpdate, resumptionUpdatePaths},
	{KindGoAway, []string{"goAway", "go_away"}},
}

// AudioPart is one inline audio payload, still base64-encoded.
type AudioPart struct {
	MIMEType string
	Data     string
}

// Content is the typed view of a serverContent message.
type Content struct {
	InputTranscript  string
	OutputTranscript string
	Audio            []AudioPart
	Text             []string

	Interrupted        bool
	TurnComplete       bool
	GenerationComplete bool
}

// Resumption is the typed view of a sessionResumptionUpdate message.
type Resumption struct {
	Handle    string
	Resumable bool
}

// GoAway is the typed view of a goAway message. TimeLeftKnown is false when
// the time-left field is missing or unparseable.
type GoAway struct {
	TimeLeft      time.Duration
	TimeLeftKnown bool
}

// Inbound is a decoded server message. Exactly the view matching Kind is set.
type Inbound struct {
	Kind Kind
	Raw  map[string]any

	Content      *Content
	ToolCalls    []ToolCall
	CancelledIDs []string
	Resumption   *Resumption
	GoAway       *GoAway
}

// Decode parses one server message and classifies it.
func Decode(data []byte) (*Inbound, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode server message: not a JSON object")
	}
	return Classify(raw), nil
}

// Classify builds the Inbound view of an already parsed message.
func Classify(raw map[string]any) *Inbound {
	in := &Inbound{Kind: KindUnknown, Raw: raw}
	for _, c := range classifiers {
		if hasAny(raw, c.keys) {
			in.Kind = c.kind
			break
		}
	}

	switch in.Kind {
	case KindContent:
		in.Content = decodeContent(raw)
	case KindToolCall:
		in.ToolCalls, _ = ExtractToolCalls(raw)
	case KindToolCallCancellation:
		ids, _ := FindFirst(raw, cancellationIDPaths)
		in.CancelledIDs = toStrings(ids)
	case KindSessionResumptionUpdate:
		in.Resumption = decodeResumption(raw)
	case KindGoAway:
		in.GoAway = &GoAway{}
		if v, ok := FindFirst(raw, goAwayTimeLeftPaths); ok {
			in.GoAway.TimeLeft, in.GoAway.TimeLeftKnown = ParseTimeLeft(v)
		}
	}
	return in
}

func hasAny(raw map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

func decodeContent(raw map[string]any) *Content {
	c := &Content{}
	c.InputTranscript, _ = FindFirstText(raw, InputTranscriptPaths)
	c.OutputTranscript, _ = FindFirstText(raw, OutputTranscriptPaths)

	sc, _ := FindFirst(raw, serverContentPaths)
	c.Interrupted = findBool(sc, []string{"interrupted"})
	c.TurnComplete = findBool(sc, turnCompletePaths)
	c.GenerationComplete = findBool(sc, generationCompletePath)

	parts, _ := FindFirst(sc, partsPaths)
	list, _ := parts.([]any)
	for _, p := range list {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			c.Text = append(c.Text, text)
		}
		inline, ok := FindFirst(part, inlineDataPaths)
		if !ok {
			continue
		}
		mimeType, _ := FindFirstText(inline, mimeTypePaths)
		data, _ := FindFirstText(inline, []string{"data"})
		if data == "" {
			continue
		}
		c.Audio = append(c.Audio, AudioPart{MIMEType: mimeType, Data: data})
	}
	return c
}

func decodeResumption(raw map[string]any) *Resumption {
	update, _ := FindFirst(raw, resumptionUpdatePaths)
	r := &Resumption{}
	r.Handle, _ = FindFirstText(update, newHandlePaths)
	r.Resumable = findBool(update, []string{"resumable"})
	return r
}

// JoinedText returns the text parts concatenated.
func (c *Content) JoinedText() string {
	return strings.Join(c.Text, "")
}
