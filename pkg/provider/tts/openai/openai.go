// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Audio is requested as raw PCM (24 kHz, 16-bit, mono), which avoids a decode
// step and lets the candidate store keep the provider's native samples.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/provider/tts"
)

const (
	providerName = "openai"

	// DefaultModel is the default OpenAI speech model.
	DefaultModel = string(oai.SpeechModelGPT4oMiniTTS)

	// pcmSampleRate is the fixed rate of the "pcm" response format.
	pcmSampleRate = 24000
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	instructions string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithInstructions sets delivery instructions (tone, pacing) for models that
// accept them.
func WithInstructions(s string) Option {
	return func(c *config) {
		c.instructions = s
	}
}

// New constructs a new OpenAI speech Provider. If model is empty,
// DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	// Retries are owned by the generator so that backoff and rate-limit
	// accounting happen in one place.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.instructions,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Result, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Result{}, errors.New("openai tts: text must not be empty")
	}
	if voice.ID == "" {
		return tts.Result{}, errors.New("openai tts: voice.ID must not be empty")
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = param.NewOpt(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Result{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, fmt.Errorf("openai tts: read audio: %w: %v", tts.ErrTransient, err)
	}
	if len(pcm) < 2 {
		return tts.Result{}, fmt.Errorf("openai tts: empty audio: %w", tts.ErrTransient)
	}
	return tts.Result{
		Audio:    audio.ClipFromPCM(pcm, audio.Format{SampleRate: pcmSampleRate, Channels: 1}),
		Provider: providerName,
	}, nil
}

// ListVoices returns the built-in OpenAI voices. The API has no voice
// listing endpoint.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	names := []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}
	out := make([]tts.VoiceProfile, len(names))
	for i, n := range names {
		out[i] = tts.VoiceProfile{ID: n, Name: n, Provider: providerName}
	}
	return out, nil
}

// classify maps SDK errors onto the tts error taxonomy.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return fmt.Errorf("openai tts: speech: %w", tts.NewAPIError(providerName, apiErr.StatusCode, []byte(apiErr.Message), header))
	}
	return fmt.Errorf("openai tts: speech: %w: %v", tts.ErrTransient, err)
}
