// Package tts implements the synthesis engine as a client of a standalone
// speech service reached over HTTP.
//
// The service accepts a JSON request carrying the text, the reference
// recording and the style settings, and answers with a WAV file. The client
// decodes that file so callers receive raw samples.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiSpeakers       = "/v1/speakers"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Default values.
const (
	defaultLanguage = "en"
	defaultSpeed    = 1.0
	maxErrorBody    = 4096
)

// Synthesis modes understood by the speech service.
const (
	ModeSFT          = string(core.ModeSFT)
	ModeZeroShot     = string(core.ModeZeroShot)
	ModeCrossLingual = string(core.ModeCrossLingual)
	ModeInstruct     = string(core.ModeInstruct)
)

const (
	errFmtServiceErrorWithCode = "speech service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "speech service returned non-OK status: %s, body: %s"
)

var (
	// ErrTextEmpty indicates a request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrUnexpectedContentType indicates a response that is not WAV audio.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrEmptyAudio indicates a successful response without a body.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrServiceStatus indicates a non-OK response from the speech service.
	ErrServiceStatus = errors.New("speech service rejected the request")
)

// HTTPClient is a core.Engine backed by the speech service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// SpeechRequest is the JSON payload sent to the speech service. PromptAudio
// is carried base64 encoded.
type SpeechRequest struct {
	Mode              string  `json:"mode"`
	Text              string  `json:"text"`
	PromptAudio       []byte  `json:"prompt_audio,omitempty"`
	PromptAudioFormat string  `json:"prompt_audio_format,omitempty"`
	PromptText        string  `json:"prompt_text,omitempty"`
	InstructText      string  `json:"instruct_text,omitempty"`
	Language          string  `json:"language"`
	SpeakerID         string  `json:"speaker_id,omitempty"`
	Speed             float64 `json:"speed"`
	SampleRate        int     `json:"sample_rate,omitempty"`
}

// ErrorResponse is the structured error body returned by the speech service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the service at baseURL, for example
// "http://localhost:8000". Timeout bounds each HTTP exchange; zero leaves it
// to the caller's context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SpeakersResponse lists the speakers built into the speech service.
type SpeakersResponse struct {
	Speakers []string `json:"speakers"`
}

// NewSpeechRequest maps an engine request to the service payload. A request
// without a mode is sent as sft.
func NewSpeechRequest(req core.EngineRequest) SpeechRequest {
	speech := SpeechRequest{
		Mode:              string(req.Mode),
		Text:              req.Text,
		PromptAudio:       req.PromptAudio,
		PromptAudioFormat: string(req.PromptAudioFormat),
		PromptText:        req.PromptText,
		InstructText:      req.InstructText,
		Language:          req.Language,
		SpeakerID:         req.VoiceID,
		Speed:             req.Speed,
		SampleRate:        req.SampleRate,
	}

	if speech.Mode == "" {
		speech.Mode = ModeSFT
	}

	if speech.Language == "" {
		speech.Language = defaultLanguage
	}

	if speech.Speed == 0 {
		speech.Speed = defaultSpeed
	}

	return speech
}

// Synthesize sends one request and decodes the WAV reply. Progress is
// reported before the request and after decoding; a stop requested before
// the request is sent returns core.ErrCancelled.
func (c *HTTPClient) Synthesize(
	ctx context.Context,
	req core.EngineRequest,
	progress core.ProgressFunc,
) (*core.EngineResult, error) {
	if req.Text == "" {
		return nil, ErrTextEmpty
	}

	if progress != nil && !progress(0) {
		return nil, core.ErrCancelled
	}

	audioData, err := c.GenerateSpeech(ctx, NewSpeechRequest(req))
	if err != nil {
		return nil, err
	}

	samples, sampleRate, err := audio.DecodeWAV(audioData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode speech service audio: %w", err)
	}

	if progress != nil {
		progress(1)
	}

	return &core.EngineResult{
		Samples:    samples,
		SampleRate: sampleRate,
		Duration:   time.Duration(len(samples)) * time.Second / time.Duration(sampleRate),
	}, nil
}

// GenerateSpeech posts the payload and returns the raw WAV bytes.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to speech service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedContentType, contentTypeWAV, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the speech service is running.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrServiceStatus, resp.Status)
	}

	return nil
}

// ListSpeakers returns the ids of the speakers built into the service.
func (c *HTTPClient) ListSpeakers(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiSpeakers, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create speakers request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list speakers at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var speakers SpeakersResponse

	err = json.NewDecoder(resp.Body).Decode(&speakers)
	if err != nil {
		return nil, fmt.Errorf("failed to decode speakers response: %w", err)
	}

	return speakers.Speakers, nil
}

// parseErrorResponse decodes a structured error, falling back to the raw body.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf("%w: "+errFmtServiceErrorWithCode,
			ErrServiceStatus, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf("%w: "+errFmtServiceNonOKStatus, ErrServiceStatus, resp.Status, string(body))
}
