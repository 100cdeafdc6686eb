// Package protocol defines the live session wire format: the outbound
// message builders, the inbound decoder and the path probes used to locate
// transcripts and tool calls in server messages.
//
// Outbound messages are built as generic maps with camelCase keys. Inbound
// messages are decoded once, by Decode, into an Inbound value whose Kind
// tells the engine which typed view is populated.
package protocol

import (
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/almuete/ari/audio"
)

const (
	// DefaultModel is used when the configured model is empty.
	DefaultModel = "models/gemini-2.0-flash-live-001"

	// ModalityAudio requests spoken responses.
	ModalityAudio = "AUDIO"

	pcmMIMEPrefix = "audio/pcm"
)

// FunctionDeclaration describes one callable tool in the setup message.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SetupConfig carries everything the first message of a session declares.
type SetupConfig struct {
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []FunctionDeclaration

	InputTranscription  bool
	OutputTranscription bool

	// SessionResumption opts into resumption updates. ResumptionHandle, when
	// set, resumes the session that issued it.
	SessionResumption bool
	ResumptionHandle  string

	// ContextWindowCompression enables the server's sliding-window compression.
	ContextWindowCompression bool
}

// ModelPath returns model in "models/{name}" form.
func ModelPath(model string) string {
	switch {
	case model == "":
		return DefaultModel
	case strings.HasPrefix(model, "models/"):
		return model
	default:
		return "models/" + model
	}
}

// SetupMessage builds the {setup: ...} message.
func SetupMessage(cfg SetupConfig) map[string]any {
	generationConfig := map[string]any{
		"responseModalities": []string{ModalityAudio},
	}
	if cfg.Voice != "" {
		generationConfig["speechConfig"] = map[string]any{
			"voiceConfig": map[string]any{
				"prebuiltVoiceConfig": map[string]any{
					"voiceName": cfg.Voice,
				},
			},
		}
	}

	setup := map[string]any{
		"model":            ModelPath(cfg.Model),
		"generationConfig": generationConfig,
	}

	if cfg.InputTranscription {
		setup["inputAudioTranscription"] = map[string]any{}
	}
	if cfg.OutputTranscription {
		setup["outputAudioTranscription"] = map[string]any{}
	}

	if cfg.SystemInstruction != "" {
		setup["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": cfg.SystemInstruction},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		setup["tools"] = []map[string]any{
			{"functionDeclarations": cfg.Tools},
		}
	}

	if cfg.SessionResumption || cfg.ResumptionHandle != "" {
		resumption := map[string]any{}
		if cfg.ResumptionHandle != "" {
			resumption["handle"] = cfg.ResumptionHandle
		}
		setup["sessionResumption"] = resumption
	}

	if cfg.ContextWindowCompression {
		setup["contextWindowCompression"] = map[string]any{
			"slidingWindow": map[string]any{},
		}
	}

	return map[string]any{"setup": setup}
}

// AudioMIMEType returns the MIME type for little-endian PCM16 at rate.
func AudioMIMEType(rate int) string {
	return fmt.Sprintf("%s;rate=%d", pcmMIMEPrefix, rate)
}

// ParseAudioMIMEType reports whether mimeType is PCM audio and returns its
// declared rate, or fallbackRate when no usable rate parameter is present.
func ParseAudioMIMEType(mimeType string, fallbackRate int) (int, bool) {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), pcmMIMEPrefix) {
		return 0, false
	}

	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallbackRate, true
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallbackRate, true
	}
	return rate, true
}

// AudioMessage wraps one frame of PCM16 bytes as realtime input.
func AudioMessage(pcm []byte, rate int) map[string]any {
	return map[string]any{
		"realtimeInput": map[string]any{
			"audio": map[string]any{
				"data":     audio.EncodeBase64(pcm),
				"mimeType": AudioMIMEType(rate),
			},
		},
	}
}

// AudioStreamEndMessage marks the end of the microphone stream.
func AudioStreamEndMessage() map[string]any {
	return map[string]any{
		"realtimeInput": map[string]any{
			"audioStreamEnd": true,
		},
	}
}

// TextTurnMessage injects a complete text turn.
func TextTurnMessage(role, text string) map[string]any {
	return map[string]any{
		"clientContent": map[string]any{
			"turns": []map[string]any{
				{
					"role":  role,
					"parts": []map[string]any{{"text": text}},
				},
			},
			"turnComplete": true,
		},
	}
}

// FunctionResponse answers one ToolCall. Response holds either an "output"
// or an "error" key.
type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ToolResponseMessage batches responses into a single reply.
func ToolResponseMessage(responses []FunctionResponse) map[string]any {
	if responses == nil {
		responses = []FunctionResponse{}
	}
	return map[string]any{
		"toolResponse": map[string]any{
			"functionResponses": responses,
		},
	}
}
