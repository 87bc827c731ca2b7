package tts

// VoiceProfile describes a synthesis voice and its tuning.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"voice_id" json:"voice_id"`

	// Name is the human-readable voice name.
	Name string `yaml:"name" json:"name,omitempty"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `yaml:"provider" json:"provider,omitempty"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// provider default.
	SpeedFactor float64 `yaml:"speed_factor" json:"speed_factor,omitempty"`

	// Stability trades expressiveness for consistency on providers that
	// support it (0.0–1.0). Zero means provider default.
	Stability float64 `yaml:"stability" json:"stability,omitempty"`

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string `yaml:"metadata" json:"metadata,omitempty"`
}
