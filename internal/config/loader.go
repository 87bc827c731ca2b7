package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in synthesis providers. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"elevenlabs", "coqui", "openai", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, resolves ${ENV} references,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	resolveSecrets(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSecrets replaces ${ENV} references in secret fields.
func resolveSecrets(cfg *Config) {
	cfg.Server.AuthToken = resolveEnvRef(cfg.Server.AuthToken)
	cfg.Storage.RemoteToken = resolveEnvRef(cfg.Storage.RemoteToken)
	cfg.Storage.PostgresDSN = resolveEnvRef(cfg.Storage.PostgresDSN)
	cfg.Providers.TTS.APIKey = resolveEnvRef(cfg.Providers.TTS.APIKey)
	for i := range cfg.Providers.Fallbacks {
		cfg.Providers.Fallbacks[i].APIKey = resolveEnvRef(cfg.Providers.Fallbacks[i].APIKey)
	}
}

// resolveEnvRef resolves a value of the form ${NAME} from the environment.
// Other values, and references to unset variables, are returned unchanged.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		if envVal := os.Getenv(val[2 : len(val)-1]); envVal != "" {
			return envVal
		}
	}
	return val
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.MaxBodyBytes, 8<<20)
	setDefault(&cfg.Server.Backend, "memory")

	setDefault(&cfg.Production.DefaultPause, 800*time.Millisecond)

	g := &cfg.Generation
	setDefault(&g.CandidatesPerSegment, 20)
	setDefault(&g.MaxConcurrency, 4)
	setDefault(&g.MaxRetries, 4)
	setDefault(&g.BaseBackoff, 500*time.Millisecond)
	setDefault(&g.MaxBackoff, 30*time.Second)
	setDefault(&g.RequestTimeout, 2*time.Minute)
	setDefault(&g.CircuitBreaker.MaxFailures, 5)
	setDefault(&g.CircuitBreaker.ResetTimeout, 30*time.Second)

	s := &cfg.Storage
	setDefault(&s.CandidatesDir, "takes")
	setDefault(&s.Compression, "default")
	setDefault(&s.LocalCachePath, "takewright.db")
	setDefault(&s.Registry, "file")
	setDefault(&s.RegistryPath, "profiles.jsonl")

	f := &cfg.Filter
	setDefault(&f.MaxDurationRatio, 1.6)
	setDefault(&f.MinDurationRatio, 0.6)
	setDefault(&f.HissCeiling, 0.35)
	setDefault(&f.EchoCeiling, 0.7)
	setDefault(&f.TailEnergyCeiling, 0.6)
	setDefault(&f.ClippingCeiling, 0.001)
	setDefault(&f.ProfileTolerance, 0.5)

	w := &cfg.Ranking.Weights
	if *w == (WeightsConfig{}) {
		*w = DefaultWeights()
	}
	setDefault(&cfg.Ranking.TonalMode, TonalTiebreak)

	a := &cfg.Assembly
	setDefault(&a.SampleRate, 48000)
	setDefault(&a.Crossfade, 20*time.Millisecond)
	setDefault(&a.TargetLoudnessDBFS, -20)
	setDefault(&a.PeakCeilingDBFS, -1)
	setDefault(&a.OutputDir, "out")
	setDefault(&a.OpusBitrate, 64000)
	setDefault(&a.AmbientGainDB, -30)

	q := &cfg.QA
	setDefault(&q.MaxStrikes, 3)
	t := &q.Thresholds
	setDefault(&t.ClickStepRatio, 8)
	setDefault(&t.LoudnessSpreadDB, 6)
	setDefault(&t.HFNoiseCeiling, 0.45)
	setDefault(&t.SilenceFloorDBFS, -55)
	setDefault(&t.SilenceTolerance, 350*time.Millisecond)
	setDefault(&t.DurationTolerance, 0.1)
	setDefault(&t.BedFloorDBFS, -70)
}

// DefaultWeights returns the ranking weights used when none are configured.
// Raw quality dominates; tonal distance carries a small weight that only
// matters in weighted tonal mode.
func DefaultWeights() WeightsConfig {
	return WeightsConfig{
		Quality:          1.0,
		Echo:             0.5,
		Hiss:             0.5,
		Tonal:            0.05,
		RejectionPenalty: 1.0,
		KnownGoodBonus:   0.5,
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Backend != "" && cfg.Server.Backend != "memory" && cfg.Server.Backend != "postgres" {
		errs = append(errs, fmt.Errorf("server.backend %q is invalid; valid values: memory, postgres", cfg.Server.Backend))
	}
	if cfg.Server.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("server.backend postgres requires storage.postgres_dsn"))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if v := cfg.Production.Voice.SpeedFactor; v != 0 && (v < 0.5 || v > 2.0) {
		errs = append(errs, fmt.Errorf("production.voice.speed_factor %.2f is out of range [0.5, 2.0]", v))
	}
	if v := cfg.Production.Voice.Stability; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("production.voice.stability %.2f is out of range [0, 1]", v))
	}
	if cfg.Production.TargetDuration < 0 || cfg.Production.DefaultPause < 0 {
		errs = append(errs, errors.New("production durations must not be negative"))
	}

	validateProviderName(cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].name is required", i))
		}
		validateProviderName(fb.Name)
	}

	g := cfg.Generation
	if g.CandidatesPerSegment < 1 || g.CandidatesPerSegment > 99 {
		errs = append(errs, fmt.Errorf("generation.candidates_per_segment %d is out of range [1, 99]", g.CandidatesPerSegment))
	}
	if g.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("generation.max_concurrency must be at least 1, got %d", g.MaxConcurrency))
	}
	if g.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("generation.max_retries must not be negative, got %d", g.MaxRetries))
	}
	if g.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("generation.requests_per_minute must not be negative"))
	}
	if g.MaxBackoff < g.BaseBackoff {
		errs = append(errs, fmt.Errorf("generation.max_backoff %s is below base_backoff %s", g.MaxBackoff, g.BaseBackoff))
	}

	if !slices.Contains([]string{"fastest", "default", "better", "best"}, cfg.Storage.Compression) {
		errs = append(errs, fmt.Errorf("storage.compression %q is invalid; valid values: fastest, default, better, best", cfg.Storage.Compression))
	}
	switch cfg.Storage.Registry {
	case "file":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.registry postgres requires storage.postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.registry %q is invalid; valid values: file, postgres", cfg.Storage.Registry))
	}

	f := cfg.Filter
	if f.MinDurationRatio >= f.MaxDurationRatio {
		errs = append(errs, fmt.Errorf("filter.min_duration_ratio %.2f must be below max_duration_ratio %.2f", f.MinDurationRatio, f.MaxDurationRatio))
	}
	if f.ProfileTolerance <= 0 {
		errs = append(errs, errors.New("filter.profile_tolerance must be positive"))
	}

	w := cfg.Ranking.Weights
	for name, v := range map[string]float64{
		"quality": w.Quality, "echo": w.Echo, "hiss": w.Hiss, "tonal": w.Tonal,
		"rejection_penalty": w.RejectionPenalty, "known_good_bonus": w.KnownGoodBonus,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("ranking.weights.%s must not be negative", name))
		}
	}
	if !cfg.Ranking.TonalMode.IsValid() {
		errs = append(errs, fmt.Errorf("ranking.tonal_mode %q is invalid; valid values: tiebreak, weighted", cfg.Ranking.TonalMode))
	}

	a := cfg.Assembly
	if a.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("assembly.sample_rate %d is below 8000", a.SampleRate))
	}
	if a.Crossfade < 0 || a.Crossfade > 200*time.Millisecond {
		errs = append(errs, fmt.Errorf("assembly.crossfade %s is out of range [0, 200ms]", a.Crossfade))
	}
	if a.PeakCeilingDBFS > 0 {
		errs = append(errs, errors.New("assembly.peak_ceiling_dbfs must not be above 0"))
	}

	if cfg.QA.MaxStrikes < 1 {
		errs = append(errs, fmt.Errorf("qa.max_strikes must be at least 1, got %d", cfg.QA.MaxStrikes))
	}
	if cfg.QA.CalibrationVersion == "" {
		slog.Warn("qa.calibration_version is empty; gate thresholds have not been calibrated against known-good artifacts")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not a
// built-in provider.
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
