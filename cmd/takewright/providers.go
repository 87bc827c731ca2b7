package main

import (
	"time"

	"github.com/MrWong99/takewright/internal/config"
	"github.com/MrWong99/takewright/pkg/provider/tts"
	"github.com/MrWong99/takewright/pkg/provider/tts/coqui"
	"github.com/MrWong99/takewright/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/takewright/pkg/provider/tts/mock"
	"github.com/MrWong99/takewright/pkg/provider/tts/openai"
)

// registerBuiltinProviders wires the built-in synthesis providers into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if s := optString(entry.Options, "instructions"); s != "" {
			opts = append(opts, openai.WithInstructions(s))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// mock synthesizes sine tones; it needs no credentials and is meant
	// for dry runs of the whole pipeline.
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &mock.Provider{}, nil
	})
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration extracts a duration such as "30s" from a provider Options map.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
