package protocol

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Path probes for the fields the engine reads. The server has used both
// camelCase and snake_case spellings, so every field lists both.
var (
	InputTranscriptPaths = []string{
		"serverContent.inputTranscription.text",
		"server_content.input_transcription.text",
	}
	OutputTranscriptPaths = []string{
		"serverContent.outputTranscription.text",
		"server_content.output_transcription.text",
	}

	toolCallPaths          = []string{"toolCall", "tool_call"}
	functionCallPaths      = []string{"functionCalls", "function_calls"}
	cancellationIDPaths    = []string{"toolCallCancellation.ids", "tool_call_cancellation.ids"}
	serverContentPaths     = []string{"serverContent", "server_content"}
	partsPaths             = []string{"modelTurn.parts", "model_turn.parts"}
	inlineDataPaths        = []string{"inlineData", "inline_data"}
	mimeTypePaths          = []string{"mimeType", "mime_type"}
	resumptionUpdatePaths  = []string{"sessionResumptionUpdate", "session_resumption_update"}
	newHandlePaths         = []string{"newHandle", "new_handle"}
	goAwayTimeLeftPaths    = []string{"goAway.timeLeft", "go_away.time_left"}
	turnCompletePaths      = []string{"turnComplete", "turn_complete"}
	generationCompletePath = []string{"generationComplete", "generation_complete"}
)

// ToolCall is one model-initiated function invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

var compiled sync.Map // expression -> *jmespath.JMESPath, or error

func compile(expr string) (*jmespath.JMESPath, bool) {
	if v, ok := compiled.Load(expr); ok {
		jp, ok := v.(*jmespath.JMESPath)
		return jp, ok
	}
	jp, err := jmespath.Compile(expr)
	if err != nil {
		compiled.Store(expr, err)
		return nil, false
	}
	compiled.Store(expr, jp)
	return jp, true
}

// search evaluates expr against doc. Invalid expressions and evaluation
// failures yield nil.
func search(doc any, expr string) (result any) {
	if doc == nil {
		return nil
	}
	jp, ok := compile(expr)
	if !ok {
		return nil
	}
	defer func() {
		if recover() != nil {
			result = nil
		}
	}()
	result, err := jp.Search(doc)
	if err != nil {
		return nil
	}
	return result
}

// FindFirst returns the first non-nil value found at any of paths.
func FindFirst(doc any, paths []string) (any, bool) {
	for _, p := range paths {
		if v := search(doc, p); v != nil {
			return v, true
		}
	}
	return nil, false
}

// FindFirstText returns the first non-empty string found at any of paths,
// tried in order. Missing fields, non-string values and invalid paths are
// skipped; it reports false when nothing matched.
func FindFirstText(doc any, paths []string) (string, bool) {
	for _, p := range paths {
		if s, ok := search(doc, p).(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func findBool(doc any, paths []string) bool {
	for _, p := range paths {
		if b, ok := search(doc, p).(bool); ok {
			return b
		}
	}
	return false
}

// ExtractToolCalls looks for a tool-call envelope under either key spelling
// and returns its function calls. Entries without a name are skipped and
// missing args default to an empty object. It reports false when msg has
// no tool-call envelope.
func ExtractToolCalls(msg any) ([]ToolCall, bool) {
	envelope, ok := FindFirst(msg, toolCallPaths)
	if !ok {
		return nil, false
	}
	list, ok := FindFirst(envelope, functionCallPaths)
	if !ok {
		return nil, false
	}
	entries, ok := list.([]any)
	if !ok {
		return nil, false
	}

	calls := make([]ToolCall, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}
		id, _ := m["id"].(string)
		calls = append(calls, ToolCall{
			ID:   id,
			Name: name,
			Args: toArgs(m["args"]),
		})
	}
	return calls, true
}

// toArgs accepts an object or a JSON-encoded object string.
func toArgs(v any) map[string]any {
	switch args := v.(type) {
	case map[string]any:
		return args
	case string:
		var decoded map[string]any
		if json.Unmarshal([]byte(args), &decoded) == nil && decoded != nil {
			return decoded
		}
	}
	return map[string]any{}
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
