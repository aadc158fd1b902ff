// Package elevenlabs is the HTTP client for the ElevenLabs speech API. It
// implements core.SpeechProvider and core.VoiceDirectory and classifies every
// failure as transient or permanent at the HTTP boundary.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
)

// API endpoints and paths.
const (
	apiTextToSpeech = "/v1/text-to-speech/"
	apiVoices       = "/v1/voices/"
	apiUser         = "/v1/user"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Defaults.
const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	DefaultModel   = "eleven_multilingual_v2"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4096
)

// Error messages.
const (
	errTextCannotBeEmpty    = "text cannot be empty"
	errVoiceCannotBeEmpty   = "voice id cannot be empty"
	errReceivedEmptyAudio   = "received empty audio data"
	errFmtRequestFailed     = "request to %s failed: %w"
	errFmtServiceStatus     = "provider returned %s: %s"
	errFmtServiceStatusCode = "provider returned %s: %s (%s)"
)

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("elevenlabs api key is required")

// Client talks to the ElevenLabs REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseURL sets the API root, e.g. "http://127.0.0.1:8080".
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithModel sets the synthesis model.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// New creates a client authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrConfigurationMissing, ErrMissingAPIKey)
	}

	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type voiceResponse struct {
	VoiceID  string         `json:"voice_id"`
	Name     string         `json:"name"`
	Settings *voiceSettings `json:"settings"`
}

type errorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize converts text to audio in the requested format.
func (c *Client) Synthesize(
	ctx context.Context,
	text, voiceID string,
	settings core.VoiceSettings,
	format audio.Format,
) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", core.ErrProviderPermanent, errTextCannotBeEmpty)
	}

	if voiceID == "" {
		return nil, fmt.Errorf("%w: %s", core.ErrProviderPermanent, errVoiceCannotBeEmpty)
	}

	requestBody, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: c.model,
		VoiceSettings: &voiceSettings{
			Stability:       settings.Stability,
			SimilarityBoost: settings.Similarity,
			Style:           settings.Style,
			UseSpeakerBoost: settings.SpeakerBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + apiTextToSpeech + url.PathEscape(voiceID) +
		"?output_format=" + url.QueryEscape(format.ProviderOutputFormat())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, format.ContentType())

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	audioData, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("%w: failed to read audio data: %w", core.ErrProviderTransient, readErr)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrProviderTransient, errReceivedEmptyAudio)
	}

	return audioData, nil
}

// GetVoice fetches a voice profile. When withSettings is false or the provider
// returns no settings, the profile carries zero settings.
func (c *Client) GetVoice(ctx context.Context, voiceID string, withSettings bool) (core.VoiceProfile, error) {
	if voiceID == "" {
		return core.VoiceProfile{}, fmt.Errorf("%w: %s", core.ErrProviderPermanent, errVoiceCannotBeEmpty)
	}

	endpoint := c.baseURL + apiVoices + url.PathEscape(voiceID)
	if withSettings {
		endpoint += "?with_settings=true"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return core.VoiceProfile{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.do(httpReq)
	if err != nil {
		return core.VoiceProfile{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.VoiceProfile{}, parseErrorResponse(resp)
	}

	var voice voiceResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&voice)
	if decodeErr != nil {
		return core.VoiceProfile{}, fmt.Errorf("%w: failed to decode voice: %w", core.ErrProviderTransient, decodeErr)
	}

	profile := core.VoiceProfile{VoiceID: voice.VoiceID, Name: voice.Name}
	if profile.VoiceID == "" {
		profile.VoiceID = voiceID
	}

	if voice.Settings != nil {
		profile.Settings = core.VoiceSettings{
			Stability:    voice.Settings.Stability,
			Similarity:   voice.Settings.SimilarityBoost,
			Style:        voice.Settings.Style,
			SpeakerBoost: voice.Settings.UseSpeakerBoost,
		}
	}

	return profile, nil
}

// HealthCheck verifies that the API is reachable and the key is accepted.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiUser, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %w", parseErrorResponse(resp))
	}

	return nil
}

func (c *Client) do(httpReq *http.Request) (*http.Response, error) {
	httpReq.Header.Set(headerAPIKey, c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := httpReq.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf(errFmtRequestFailed, httpReq.URL.Path, ctxErr)
		}

		return nil, fmt.Errorf("%w: "+errFmtRequestFailed, core.ErrProviderTransient, httpReq.URL.Path, err)
	}

	return resp, nil
}

// parseErrorResponse classifies a non-OK response. Throttling and server errors
// are transient; everything else is permanent.
func parseErrorResponse(resp *http.Response) error {
	class := core.ErrProviderPermanent
	if isTransientStatus(resp.StatusCode) {
		class = core.ErrProviderTransient
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail.Message != "" {
		return fmt.Errorf("%w: "+errFmtServiceStatusCode,
			class, resp.Status, errorResp.Detail.Message, errorResp.Detail.Status)
	}

	return fmt.Errorf("%w: "+errFmtServiceStatus, class, resp.Status, strings.TrimSpace(string(body)))
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= http.StatusInternalServerError
}
