package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/almuete/ari/config"
)

const envPrefix = "ARI"

// Flag names. Each is also read from ARI_<NAME> with dashes as underscores.
const (
	flagConfig           = "config"
	flagEndpoint         = "endpoint"
	flagTokenEndpoint    = "token-endpoint"
	flagToken            = "token"
	flagToolsBaseURL     = "tools-base-url"
	flagModel            = "model"
	flagVoice            = "voice"
	flagAudioSource      = "audio-source"
	flagMetricsAddr      = "metrics-addr"
	flagOTLPEndpoint     = "otlp-endpoint"
	flagFlushOnInterrupt = "flush-on-interrupt"
	flagAutoReconnect    = "auto-reconnect"
	flagStopOnModel      = "stop-on-model-speech"
)

var stringOverrides = map[string]func(*config.Config, string){
	flagEndpoint:      func(c *config.Config, s string) { c.Endpoint = s },
	flagTokenEndpoint: func(c *config.Config, s string) { c.TokenEndpoint = s },
	flagToken:         func(c *config.Config, s string) { c.Token = s },
	flagToolsBaseURL:  func(c *config.Config, s string) { c.ToolsBaseURL = s },
	flagModel:         func(c *config.Config, s string) { c.Model = s },
	flagVoice:         func(c *config.Config, s string) { c.Voice = s },
	flagAudioSource:   func(c *config.Config, s string) { c.Audio.Source = s },
	flagMetricsAddr:   func(c *config.Config, s string) { c.Metrics.Addr = s },
	flagOTLPEndpoint:  func(c *config.Config, s string) { c.Telemetry.OTLPEndpoint = s },
}

var boolOverrides = map[string]func(*config.Config, bool){
	flagFlushOnInterrupt: func(c *config.Config, b bool) { c.Session.FlushOnInterrupt = b },
	flagAutoReconnect:    func(c *config.Config, b bool) { c.Session.AutoReconnect = b },
	flagStopOnModel:      func(c *config.Config, b bool) { c.Session.StopOnModelSpeech = b },
}

// addOverrideFlags registers the flags that override config file fields.
func addOverrideFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(flagEndpoint, "", "Live API websocket endpoint (ws:// or wss://)")
	f.String(flagTokenEndpoint, "", "Backend URL that mints ephemeral session tokens")
	f.String(flagToken, "", "Static session token (skips the token endpoint)")
	f.String(flagToolsBaseURL, "", "Base URL of the tool backend (geocode, places, directions, search)")
	f.String(flagModel, "", "Model name")
	f.String(flagVoice, "", "Prebuilt voice name")
	f.String(flagAudioSource, "", "PulseAudio source name (default source when empty)")
	f.String(flagMetricsAddr, "", "Serve Prometheus metrics on this address, e.g. :9090")
	f.String(flagOTLPEndpoint, "", "Export traces to this OTLP/HTTP endpoint")
	f.Bool(flagFlushOnInterrupt, false, "Drop queued playback when the model is interrupted")
	f.Bool(flagAutoReconnect, true, "Reconnect ahead of a server go-away")
	f.Bool(flagStopOnModel, false, "End the session when the model speaks a stop phrase too")
}

// newSettings layers flags and ARI_* environment variables for cmd.
func newSettings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return v, nil
}

// loadConfiguration reads the config file named by settings, applies flag
// and environment overrides, and validates the result.
func loadConfiguration(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString(flagConfig))
	if err != nil {
		return nil, err
	}
	for key, set := range stringOverrides {
		if v.IsSet(key) {
			set(cfg, v.GetString(key))
		}
	}
	for key, set := range boolOverrides {
		if v.IsSet(key) {
			set(cfg, v.GetBool(key))
		}
	}
	return cfg, nil
}
