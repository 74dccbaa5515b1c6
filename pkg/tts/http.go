package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const providerHTTP = "http"

// HTTP implements Provider against a JSON-over-HTTP synthesis service
// that streams raw audio back as a chunked response body.
type HTTP struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTP creates a streaming HTTP TTS provider.
func NewHTTP(opts ...Option) (*HTTP, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &HTTP{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.With("component", "tts.http"),
	}, nil
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (h *HTTP) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	stream, err := h.Stream(ctx, text)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var audio []byte
	for {
		chunk, err := stream.Read()
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		audio = append(audio, chunk...)
	}

	latency := time.Since(start).Milliseconds()
	h.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
	)

	return &AudioResult{
		Audio:     audio,
		Format:    h.outputFormat(),
		CharCount: len(text),
		LatencyMs: latency,
		Duration:  h.estimateDuration(len(audio)),
	}, nil
}

// Stream converts text to audio with streaming output for lowest latency.
func (h *HTTP) Stream(ctx context.Context, text string) (AudioStream, error) {
	payload := map[string]any{
		"text":        text,
		"voice":       h.config.Voice,
		"sample_rate": SampleRateFromEncoding(h.config.OutputFormat),
		"format":      string(h.config.OutputFormat),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerHTTP, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerHTTP, fmt.Errorf("create request: %w", err))
	}
	h.setHeaders(req)

	// Streaming requests use their own client: the body must stay
	// readable past the non-streaming timeout.
	client := &http.Client{Timeout: h.config.StreamTimeout}
	resp, err := h.doWithRetry(ctx, client, req, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, h.parseError(resp)
	}

	return &httpStream{
		body:   resp.Body,
		format: h.outputFormat(),
		buf:    make([]byte, h.config.ChunkSize),
	}, nil
}

// Health checks endpoint connectivity.
func (h *HTTP) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.config.APIURL+"/health", nil)
	if err != nil {
		return WrapError(providerHTTP, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return WrapError(providerHTTP, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return h.parseError(resp)
	}
	return nil
}

// Close releases resources held by the provider.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}
}

// doWithRetry retries retryable failures with linear backoff.
func (h *HTTP) doWithRetry(ctx context.Context, client *http.Client, req *http.Request, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.config.RetryDelay * time.Duration(attempt)):
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = WrapError(providerHTTP, err)
			continue
		}

		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			lastErr = h.parseError(resp)
			resp.Body.Close()
			h.logger.Warn("retrying synthesis request",
				"attempt", attempt+1,
				"status", resp.StatusCode,
			)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func (h *HTTP) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error string `json:"error"`
	}
	message := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		message = errResp.Error
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   providerHTTP,
	}
}

func (h *HTTP) outputFormat() AudioFormat {
	return AudioFormat{
		Encoding:   h.config.OutputFormat,
		SampleRate: SampleRateFromEncoding(h.config.OutputFormat),
		Channels:   1,
		BitDepth:   16,
	}
}

func (h *HTTP) estimateDuration(byteCount int) time.Duration {
	sampleRate := SampleRateFromEncoding(h.config.OutputFormat)
	samples := byteCount / 2
	seconds := float64(samples) / float64(sampleRate)
	return time.Duration(seconds * float64(time.Second))
}

// httpStream wraps an HTTP response body as AudioStream.
type httpStream struct {
	body   io.ReadCloser
	format AudioFormat
	buf    []byte
}

// Read returns the next audio chunk.
func (s *httpStream) Read() ([]byte, error) {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte{}, nil
}

// Close stops the stream.
func (s *httpStream) Close() error {
	return s.body.Close()
}

// Format returns the audio format.
func (s *httpStream) Format() AudioFormat {
	return s.format
}

// Verify HTTP implements Provider at compile time.
var _ Provider = (*HTTP)(nil)
