// Package config loads the static configuration of the voice client from
// YAML. Unset fields keep the values from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/" +
		"google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContentConstrained"
	DefaultModel    = "gemini-2.0-flash-live-001"
	DefaultVoice    = "Puck"
	DefaultGreeting = "Hello!"

	DefaultSendSampleRate    = 16000
	DefaultReceiveSampleRate = 24000
	DefaultFrameSamples      = 320

	DefaultEstimatedDuration = 10 * time.Minute
	DefaultReconnectLead     = 2500 * time.Millisecond
	DefaultHeartbeat         = 30 * time.Second

	DefaultToolConcurrency = 8
	DefaultToolTimeout     = 30 * time.Second
)

// DefaultStopPhrases end the session when heard as whole words.
var DefaultStopPhrases = []string{
	"bye",
	"goodbye",
	"good bye",
	"see you later",
	"see you",
	"talk to you later",
	"that's all",
	"stop listening",
}

// Config is the full client configuration.
type Config struct {
	Model             string `yaml:"model"`
	Endpoint          string `yaml:"endpoint"`
	TokenEndpoint     string `yaml:"tokenEndpoint"`
	Token             string `yaml:"token,omitempty"`
	ToolsBaseURL      string `yaml:"toolsBaseURL"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"systemInstruction"`
	Greeting          string `yaml:"greeting"`

	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Tools     ToolsConfig     `yaml:"tools"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AudioConfig sets sample rates, frame size and devices.
type AudioConfig struct {
	SendSampleRate    int    `yaml:"sendSampleRate"`
	ReceiveSampleRate int    `yaml:"receiveSampleRate"`
	FrameSamples      int    `yaml:"frameSamples"`
	CaptureSampleRate int    `yaml:"captureSampleRate"`
	Source            string `yaml:"source"`
}

// SessionConfig sets lifetime and interruption behavior.
type SessionConfig struct {
	EstimatedDuration        time.Duration `yaml:"estimatedDuration"`
	AutoReconnect            bool          `yaml:"autoReconnect"`
	ReconnectLead            time.Duration `yaml:"reconnectLead"`
	FlushOnInterrupt         bool          `yaml:"flushOnInterrupt"`
	StopPhrases              []string      `yaml:"stopPhrases"`
	StopOnModelSpeech        bool          `yaml:"stopOnModelSpeech"`
	ContextWindowCompression bool          `yaml:"contextWindowCompression"`
	Heartbeat                time.Duration `yaml:"heartbeat"`
}

// ToolsConfig selects and throttles tools.
type ToolsConfig struct {
	Enabled     []string      `yaml:"enabled,omitempty"`
	Concurrency int           `yaml:"concurrency"`
	RateLimit   float64       `yaml:"rateLimit"`
	Burst       int           `yaml:"burst"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TelemetryConfig enables OTLP trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// MetricsConfig serves Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model:    DefaultModel,
		Endpoint: DefaultEndpoint,
		Voice:    DefaultVoice,
		Greeting: DefaultGreeting,
		Audio: AudioConfig{
			SendSampleRate:    DefaultSendSampleRate,
			ReceiveSampleRate: DefaultReceiveSampleRate,
			FrameSamples:      DefaultFrameSamples,
		},
		Session: SessionConfig{
			EstimatedDuration: DefaultEstimatedDuration,
			AutoReconnect:     true,
			ReconnectLead:     DefaultReconnectLead,
			StopPhrases:       append([]string(nil), DefaultStopPhrases...),
			Heartbeat:         DefaultHeartbeat,
		},
		Tools: ToolsConfig{
			Concurrency: DefaultToolConcurrency,
			Timeout:     DefaultToolTimeout,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving absent fields untouched. Unknown
// keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if err := checkURL(c.Endpoint, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	}
	if c.TokenEndpoint == "" && c.Token == "" {
		errs = append(errs, errors.New("tokenEndpoint or token is required"))
	}
	if c.TokenEndpoint != "" {
		if err := checkURL(c.TokenEndpoint, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("tokenEndpoint: %w", err))
		}
	}
	if c.ToolsBaseURL != "" {
		if err := checkURL(c.ToolsBaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("toolsBaseURL: %w", err))
		}
	}

	if c.Audio.SendSampleRate <= 0 {
		errs = append(errs, errors.New("audio.sendSampleRate must be positive"))
	}
	if c.Audio.ReceiveSampleRate <= 0 {
		errs = append(errs, errors.New("audio.receiveSampleRate must be positive"))
	}
	if c.Audio.FrameSamples <= 0 {
		errs = append(errs, errors.New("audio.frameSamples must be positive"))
	}
	if c.Audio.CaptureSampleRate < 0 {
		errs = append(errs, errors.New("audio.captureSampleRate must not be negative"))
	}

	if c.Session.EstimatedDuration <= 0 {
		errs = append(errs, errors.New("session.estimatedDuration must be positive"))
	}
	if c.Session.ReconnectLead < 0 {
		errs = append(errs, errors.New("session.reconnectLead must not be negative"))
	}
	if c.Session.Heartbeat < 0 {
		errs = append(errs, errors.New("session.heartbeat must not be negative"))
	}

	if c.Tools.Concurrency < 0 {
		errs = append(errs, errors.New("tools.concurrency must not be negative"))
	}
	if c.Tools.RateLimit < 0 {
		errs = append(errs, errors.New("tools.rateLimit must not be negative"))
	}
	if len(c.Tools.Enabled) > 0 && c.ToolsBaseURL == "" {
		errs = append(errs, errors.New("toolsBaseURL is required when tools are enabled"))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("host is required")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %v, got %q", schemes, u.Scheme)
}
