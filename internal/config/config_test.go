package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/takewright/internal/config"
	"github.com/MrWong99/takewright/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: info
  allowed_origins:
    - https://review.example.com

production:
  id: night-walk
  script: scripts/night-walk.txt
  voice:
    voice_id: rachel
    speed_factor: 0.9
  target_duration: 12m
  min_segment_chars: 40

providers:
  tts:
    name: elevenlabs
    api_key: el-test
    model: eleven_multilingual_v2
  fallbacks:
    - name: openai
      api_key: sk-test

generation:
  candidates_per_segment: 12
  max_concurrency: 3
  requests_per_minute: 60
  cost_per_1k_chars: 0.3

filter:
  max_duration_ratio: 1.4

ranking:
  tonal_mode: weighted

qa:
  calibration_version: cal-2026-09
  max_strikes: 2
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Production.ID != "night-walk" {
		t.Errorf("production.id: got %q", cfg.Production.ID)
	}
	if cfg.Production.TargetDuration != 12*time.Minute {
		t.Errorf("production.target_duration: got %s, want 12m", cfg.Production.TargetDuration)
	}
	if cfg.Production.Voice.SpeedFactor != 0.9 {
		t.Errorf("production.voice.speed_factor: got %.2f, want 0.9", cfg.Production.Voice.SpeedFactor)
	}
	if cfg.Providers.TTS.Name != "elevenlabs" || len(cfg.Providers.Fallbacks) != 1 {
		t.Errorf("providers: got %+v", cfg.Providers)
	}
	if cfg.Generation.CandidatesPerSegment != 12 || cfg.Generation.MaxConcurrency != 3 {
		t.Errorf("generation: got %+v", cfg.Generation)
	}
	if cfg.Filter.MaxDurationRatio != 1.4 {
		t.Errorf("filter.max_duration_ratio: got %.2f, want 1.4", cfg.Filter.MaxDurationRatio)
	}
	if cfg.Ranking.TonalMode != config.TonalWeighted {
		t.Errorf("ranking.tonal_mode: got %q", cfg.Ranking.TonalMode)
	}
	if cfg.QA.MaxStrikes != 2 {
		t.Errorf("qa.max_strikes: got %d, want 2", cfg.QA.MaxStrikes)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, ":8080"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"backend", cfg.Server.Backend, "memory"},
		{"default_pause", cfg.Production.DefaultPause, 800 * time.Millisecond},
		{"candidates_per_segment", cfg.Generation.CandidatesPerSegment, 20},
		{"max_retries", cfg.Generation.MaxRetries, 4},
		{"compression", cfg.Storage.Compression, "default"},
		{"registry", cfg.Storage.Registry, "file"},
		{"weights", cfg.Ranking.Weights, config.DefaultWeights()},
		{"tonal_mode", cfg.Ranking.TonalMode, config.TonalTiebreak},
		{"sample_rate", cfg.Assembly.SampleRate, 48000},
		{"max_strikes", cfg.QA.MaxStrikes, 3},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("speakers: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadFromReader_ResolvesEnvSecrets(t *testing.T) {
	t.Setenv("TAKEWRIGHT_TEST_KEY", "secret-from-env")
	yaml := `
providers:
  tts:
    name: elevenlabs
    api_key: ${TAKEWRIGHT_TEST_KEY}
server:
  auth_token: ${TAKEWRIGHT_TEST_UNSET_VAR}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.TTS.APIKey != "secret-from-env" {
		t.Errorf("api_key: got %q, want resolved value", cfg.Providers.TTS.APIKey)
	}
	if cfg.Server.AuthToken != "${TAKEWRIGHT_TEST_UNSET_VAR}" {
		t.Errorf("auth_token: got %q, want unresolved reference kept", cfg.Server.AuthToken)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownTTS(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredTTS(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubTTS{}
	var gotEntry config.ProviderEntry
	reg.RegisterTTS("stub", func(e config.ProviderEntry) (tts.Provider, error) {
		gotEntry = e
		return want, nil
	})
	got, err := reg.CreateTTS(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received entry %+v", gotEntry)
	}
	if names := reg.TTSNames(); len(names) != 1 || names[0] != "stub" {
		t.Errorf("TTSNames() = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterTTS("broken", func(e config.ProviderEntry) (tts.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// ── Stub implementations ──────────────────────────────────────────────────────

type stubTTS struct{}

func (s *stubTTS) Synthesize(_ context.Context, _ string, _ tts.VoiceProfile) (tts.Result, error) {
	return tts.Result{}, nil
}
func (s *stubTTS) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) { return nil, nil }
