// Package config provides the configuration schema, loader, watcher and
// provider registry for takewright.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TonalMode selects how tonal distance enters the ranking.
type TonalMode string

const (
	// TonalTiebreak excludes tonal distance from the score and uses it only
	// to order candidates whose scores are equal.
	TonalTiebreak TonalMode = "tiebreak"

	// TonalWeighted subtracts weights.tonal × tonal distance from the score.
	TonalWeighted TonalMode = "weighted"
)

// IsValid reports whether m is a recognised tonal mode.
func (m TonalMode) IsValid() bool {
	return m == TonalTiebreak || m == TonalWeighted
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Production ProductionConfig `yaml:"production"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Generation GenerationConfig `yaml:"generation"`
	Storage    StorageConfig    `yaml:"storage"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Filter     FilterConfig     `yaml:"filter"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Assembly   AssemblyConfig   `yaml:"assembly"`
	QA         QAConfig         `yaml:"qa"`
}

// ServerConfig holds logging settings and the remote store service options.
type ServerConfig struct {
	// ListenAddr is the TCP address `takewright serve` listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AuthToken is the bearer token clients must present. Supports ${ENV}.
	AuthToken string `yaml:"auth_token"`

	// AllowedOrigins lists the reviewer client origins permitted by CORS.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxBodyBytes bounds PUT bodies. Default: 8 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Backend selects remote store persistence: "memory" or "postgres".
	Backend string `yaml:"backend"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProductionConfig identifies the production and its source script.
type ProductionConfig struct {
	// ID scopes every store key. Required for all commands except serve.
	ID string `yaml:"id"`

	// Script is the path of the production script.
	Script string `yaml:"script"`

	// Voice is the synthesis voice.
	Voice VoiceConfig `yaml:"voice"`

	// TargetDuration is the declared length of the final track. Zero
	// disables the duration gate.
	TargetDuration time.Duration `yaml:"target_duration"`

	// DefaultPause is the silence between segments without an explicit
	// pause marker.
	DefaultPause time.Duration `yaml:"default_pause"`

	// MinSegmentChars merges shorter paragraphs into the following one
	// unless a pause marker separates them. Zero disables merging.
	MinSegmentChars int `yaml:"min_segment_chars"`
}

// VoiceConfig describes the voice used for every segment.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero means default.
	SpeedFactor float64 `yaml:"speed_factor"`

	// Stability is passed to providers that support it (0.0–1.0).
	Stability float64 `yaml:"stability"`
}

// ProvidersConfig declares the synthesis provider and its fallbacks. Each
// entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	TTS       ProviderEntry   `yaml:"tts"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block shared by all providers.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Supports ${ENV}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// GenerationConfig controls candidate generation.
type GenerationConfig struct {
	// CandidatesPerSegment is the target pool size per segment.
	CandidatesPerSegment int `yaml:"candidates_per_segment"`

	// MaxConcurrency is the ceiling on in-flight provider requests across
	// all segments. Excess requests queue.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RequestsPerMinute paces request starts. Zero disables pacing.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps a single retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RequestTimeout bounds one provider call. Zero means no timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CostPer1kChars is the provider price used for the cost estimate.
	CostPer1kChars float64 `yaml:"cost_per_1k_chars"`

	// CircuitBreaker guards each provider when fallbacks are configured.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures per-provider circuit breakers.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// StorageConfig locates every store.
type StorageConfig struct {
	// CandidatesDir is the root of the on-disk candidate store.
	CandidatesDir string `yaml:"candidates_dir"`

	// Compression is the zstd level: fastest, default, better or best.
	Compression string `yaml:"compression"`

	// LocalCachePath is the SQLite file holding review decisions.
	LocalCachePath string `yaml:"local_cache_path"`

	// RemoteURL is the base URL of the remote pick store. Empty disables
	// remote sync.
	RemoteURL string `yaml:"remote_url"`

	// RemoteToken is the bearer token for RemoteURL. Supports ${ENV}.
	RemoteToken string `yaml:"remote_token"`

	// PostgresDSN is used by the postgres profile registry and by `serve`
	// with the postgres backend. Supports ${ENV}.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Registry selects the profile registry backend: "file" or "postgres".
	Registry string `yaml:"registry"`

	// RegistryPath is the JSONL file of the file registry backend.
	RegistryPath string `yaml:"registry_path"`
}

// ScoringConfig controls the feature scorer.
type ScoringConfig struct {
	// ReferenceStatsPath is a JSON file of reference population statistics.
	// Empty selects the built-in statistics.
	ReferenceStatsPath string `yaml:"reference_stats_path"`
}

// FilterConfig holds the hard elimination thresholds. Ratios are relative
// to the reference mean seconds per character.
type FilterConfig struct {
	MaxDurationRatio  float64 `yaml:"max_duration_ratio"`
	MinDurationRatio  float64 `yaml:"min_duration_ratio"`
	HissCeiling       float64 `yaml:"hiss_ceiling"`
	EchoCeiling       float64 `yaml:"echo_ceiling"`
	TailEnergyCeiling float64 `yaml:"tail_energy_ceiling"`
	ClippingCeiling   float64 `yaml:"clipping_ceiling"`

	// ProfileTolerance is the default match radius for profiles, in z-score
	// units (Euclidean).
	ProfileTolerance float64 `yaml:"profile_tolerance"`
}

// RankingConfig holds the composite score weights.
type RankingConfig struct {
	Weights   WeightsConfig `yaml:"weights"`
	TonalMode TonalMode     `yaml:"tonal_mode"`
}

// WeightsConfig are the ranking weights.
type WeightsConfig struct {
	Quality          float64 `yaml:"quality"`
	Echo             float64 `yaml:"echo"`
	Hiss             float64 `yaml:"hiss"`
	Tonal            float64 `yaml:"tonal"`
	RejectionPenalty float64 `yaml:"rejection_penalty"`
	KnownGoodBonus   float64 `yaml:"known_good_bonus"`
}

// AssemblyConfig controls final track rendering.
type AssemblyConfig struct {
	SampleRate         int           `yaml:"sample_rate"`
	Crossfade          time.Duration `yaml:"crossfade"`
	TargetLoudnessDBFS float64       `yaml:"target_loudness_dbfs"`
	PeakCeilingDBFS    float64       `yaml:"peak_ceiling_dbfs"`
	OutputDir          string        `yaml:"output_dir"`
	OpusBitrate        int           `yaml:"opus_bitrate"`

	// DisableOpus writes only the lossless track and the manifest.
	DisableOpus bool `yaml:"disable_opus"`

	// AmbientBed is an optional WAV looped under the narration.
	AmbientBed    string  `yaml:"ambient_bed"`
	AmbientGainDB float64 `yaml:"ambient_gain_db"`
}

// QAConfig controls the acceptance gates and the rebuild loop.
type QAConfig struct {
	// MaxStrikes bounds automatic rebuild attempts before escalation.
	MaxStrikes int `yaml:"max_strikes"`

	// CalibrationVersion records which calibration run produced the
	// thresholds. Empty thresholds are reported as uncalibrated.
	CalibrationVersion string `yaml:"calibration_version"`

	// KnownGoodDir holds known-good artifacts for `takewright calibrate`.
	KnownGoodDir string `yaml:"known_good_dir"`

	Thresholds QAThresholds `yaml:"thresholds"`
}

// QAThresholds are the gate limits.
type QAThresholds struct {
	// ClickStepRatio is the largest allowed sample step at a splice relative
	// to the RMS of the sample steps around it.
	ClickStepRatio float64 `yaml:"click_step_ratio"`

	// LoudnessSpreadDB is the largest allowed deviation of a segment's
	// loudness from the track median.
	LoudnessSpreadDB float64 `yaml:"loudness_spread_db"`

	// HFNoiseCeiling is the largest allowed high-frequency ratio in
	// non-speech regions.
	HFNoiseCeiling float64 `yaml:"hf_noise_ceiling"`

	// SilenceFloorDBFS is the level below which audio counts as silent.
	SilenceFloorDBFS float64 `yaml:"silence_floor_dbfs"`

	// SilenceTolerance is the largest allowed excess of an effective pause
	// over its configured length.
	SilenceTolerance time.Duration `yaml:"silence_tolerance"`

	// DurationTolerance is the allowed relative deviation from the target
	// duration (0.05 = ±5%).
	DurationTolerance float64 `yaml:"duration_tolerance"`

	// BedFloorDBFS is the minimum level inside pauses when an ambient bed is
	// configured.
	BedFloorDBFS float64 `yaml:"bed_floor_dbfs"`
}
