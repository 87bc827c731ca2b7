// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Each Synthesize call opens one stream-input socket, sends the whole segment
// text followed by a flush, and collects PCM chunks until the server marks
// the final message.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultHTTPBase  = "https://api.elevenlabs.io"
	wsPathFmt        = "/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesPath       = "/v1/voices"
	defaultModel     = "eleven_multilingual_v2"
	defaultOutputFmt = "pcm_24000"
	providerName     = "elevenlabs"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format (e.g., "pcm_16000", "pcm_24000").
// Only pcm_* formats are supported.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURLs overrides the WebSocket and REST endpoints. Used in tests.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.httpBase = strings.TrimRight(httpBase, "/")
	}
}

// WithHTTPClient sets the HTTP client used for the REST API and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	httpBase     string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := sampleRateOf(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Synthesize opens a stream-input WebSocket, sends text as a single
// generation and returns the concatenated PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Result, error) {
	if voice.ID == "" {
		return tts.Result{}, errors.New("elevenlabs: voice.ID must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return tts.Result{}, errors.New("elevenlabs: text must not be empty")
	}
	rate, _ := sampleRateOf(p.outputFormat)

	conn, resp, err := websocket.Dial(ctx, buildURLForVoice(p.wsBase, voice.ID, p.model, p.outputFormat), &websocket.DialOptions{
		HTTPClient: p.httpClient,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
			}
			return tts.Result{}, fmt.Errorf("elevenlabs: dial: %w", tts.NewAPIError(providerName, resp.StatusCode, body, resp.Header))
		}
		return tts.Result{}, fmt.Errorf("elevenlabs: dial: %w: %v", tts.ErrTransient, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 << 20)

	for _, msg := range buildMessages(p.apiKey, text, voice) {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return tts.Result{}, fmt.Errorf("elevenlabs: write: %w: %v", tts.ErrTransient, err)
		}
	}

	var pcm bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return tts.Result{}, ctx.Err()
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusPolicyViolation {
				return tts.Result{}, fmt.Errorf("elevenlabs: stream closed: %w", tts.NewAPIError(providerName, http.StatusTooManyRequests, []byte(err.Error()), nil))
			}
			return tts.Result{}, fmt.Errorf("elevenlabs: read: %w: %v", tts.ErrTransient, err)
		}
		done, err := appendAudio(&pcm, msg)
		if err != nil {
			return tts.Result{}, err
		}
		if done {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	if pcm.Len() == 0 {
		return tts.Result{}, fmt.Errorf("elevenlabs: empty audio: %w", tts.ErrTransient)
	}
	return tts.Result{
		Audio:    audio.ClipFromPCM(pcm.Bytes(), audio.Format{SampleRate: rate, Channels: 1}),
		Provider: providerName,
	}, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpBase+voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", tts.NewAPIError(providerName, resp.StatusCode, body, resp.Header))
	}
	return parseVoicesResponse(body)
}

// ---- helpers ----

// buildMessages returns the ordered frames for one generation: the
// authenticated opening frame with voice settings, the text itself, and the
// empty-text flush that ends the input.
func buildMessages(apiKey, text string, voice tts.VoiceProfile) [][]byte {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.Stability > 0 {
		vs.Stability = voice.Stability
	}
	if voice.SpeedFactor > 0 {
		vs.Speed = voice.SpeedFactor
	}
	frames := []textMessage{
		{Text: " ", VoiceSettings: vs, XiAPIKey: apiKey},
		{Text: strings.TrimSpace(text) + " ", TryTriggerGeneration: true},
		{Text: ""},
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i], _ = json.Marshal(f)
	}
	return out
}

// appendAudio decodes one server message into buf. It reports whether the
// message was the final one.
func appendAudio(buf *bytes.Buffer, msg []byte) (bool, error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return false, fmt.Errorf("elevenlabs: decode message: %w", err)
	}
	if resp.Error != "" {
		status := resp.Code
		if status == 0 {
			status = statusForError(resp.Error)
		}
		return false, fmt.Errorf("elevenlabs: server error: %w", tts.NewAPIError(providerName, status, []byte(resp.Error+": "+resp.Message), nil))
	}
	if resp.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
		buf.Write(pcm)
	}
	return resp.IsFinal, nil
}

// statusForError maps ElevenLabs error identifiers onto HTTP statuses.
func statusForError(code string) int {
	switch {
	case strings.Contains(code, "rate_limit"), strings.Contains(code, "concurrent"), strings.Contains(code, "quota"):
		return http.StatusTooManyRequests
	case strings.Contains(code, "auth"), strings.Contains(code, "invalid"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(base, voiceID, model, format string) string {
	return base + fmt.Sprintf(wsPathFmt, voiceID, model, format)
}

// sampleRateOf extracts the sample rate from a "pcm_<rate>" output format.
func sampleRateOf(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q (want pcm_<rate>)", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", format)
	}
	return n, nil
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return profiles, nil
}

var _ tts.Provider = (*Provider)(nil)
