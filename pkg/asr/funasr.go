package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbotics/go-callbot/pkg/audio"
)

// Config holds FunASR websocket client configuration.
type Config struct {
	// WSURL is the recognizer websocket endpoint.
	WSURL string

	// SampleRate is the rate the recognizer expects (default 16000).
	SampleRate int

	// InputSampleRate is the rate of audio pushed by the caller;
	// audio is resampled when the rates differ (telephony legs
	// deliver 8kHz).
	InputSampleRate int

	// ReconnectAttempts bounds reconnection after transport loss.
	ReconnectAttempts int

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WSURL:             "ws://localhost:10095",
		SampleRate:        16000,
		InputSampleRate:   8000,
		ReconnectAttempts: 3,
		HandshakeTimeout:  10 * time.Second,
		Logger:            slog.Default(),
	}
}

// FunASR is a streaming recognizer client over websocket. The remote
// service accepts binary PCM frames and answers with JSON result
// frames {text, is_final, timestamp}.
type FunASR struct {
	config *Config
	logger *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	listening    bool
	reconnecting bool
	onResult     ResultFunc
	stopped      chan struct{}
}

// NewFunASR creates a FunASR client.
func NewFunASR(cfg *Config) *FunASR {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FunASR{
		config: cfg,
		logger: cfg.Logger.With("component", "asr.funasr"),
	}
}

// Connect dials the recognizer websocket.
func (f *FunASR) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectLocked(ctx)
}

func (f *FunASR) connectLocked(ctx context.Context) error {
	if f.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: f.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.config.WSURL, nil)
	if err != nil {
		return fmt.Errorf("asr: dial %s: %w", f.config.WSURL, err)
	}

	f.conn = conn
	f.connected = true
	f.logger.Info("connected", "url", f.config.WSURL)
	return nil
}

// StartListening begins streaming recognition.
func (f *FunASR) StartListening(ctx context.Context, onAudioReady func(SendAudioFunc), onResult ResultFunc) error {
	f.mu.Lock()
	if f.listening {
		f.mu.Unlock()
		return ErrAlreadyListening
	}
	if !f.connected {
		if err := f.connectLocked(ctx); err != nil {
			f.mu.Unlock()
			return err
		}
	}

	f.onResult = onResult
	f.listening = true
	f.stopped = make(chan struct{})
	f.mu.Unlock()

	go f.readPump()

	if onAudioReady != nil {
		onAudioReady(f.sendAudio)
	}
	return nil
}

// sendAudio resamples and forwards one audio frame to the recognizer.
func (f *FunASR) sendAudio(pcm []byte) error {
	f.mu.Lock()
	if !f.connected || !f.listening {
		f.mu.Unlock()
		return ErrNotConnected
	}
	conn := f.conn
	f.mu.Unlock()

	if f.config.InputSampleRate != f.config.SampleRate {
		pcm = audio.ResampleBytes(pcm, f.config.InputSampleRate, f.config.SampleRate)
	}
	if len(pcm) == 0 {
		return nil
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		f.logger.Error("send audio failed", "error", err)
		go f.reconnect()
		return err
	}
	return nil
}

type resultFrame struct {
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	Timestamp int64  `json:"timestamp"`
}

// readPump reads result frames until the connection drops or
// listening stops.
func (f *FunASR) readPump() {
	for {
		f.mu.Lock()
		if !f.listening || !f.connected {
			f.mu.Unlock()
			return
		}
		conn := f.conn
		stopped := f.stopped
		f.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopped:
				return
			default:
			}
			f.logger.Warn("recognizer connection lost", "error", err)
			f.reconnect()
			return
		}

		var frame resultFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Debug("discarding malformed result frame", "error", err)
			continue
		}

		f.mu.Lock()
		cb := f.onResult
		f.mu.Unlock()
		if cb != nil {
			cb(frame.Text, frame.IsFinal, frame.Timestamp)
		}
	}
}

// reconnect retries the connection with exponential backoff, resuming
// the read pump on success. The write path and the read pump both call
// this when they see a dead connection; only the first caller runs the
// retry loop, so a single read pump ever owns the new connection.
func (f *FunASR) reconnect() {
	f.mu.Lock()
	if !f.listening || f.reconnecting {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.connected = false
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	for attempt := 0; attempt < f.config.ReconnectAttempts; attempt++ {
		time.Sleep(time.Duration(1<<attempt) * time.Second)

		f.mu.Lock()
		if !f.listening {
			f.mu.Unlock()
			return
		}
		err := f.connectLocked(context.Background())
		f.mu.Unlock()

		if err == nil {
			f.logger.Info("reconnected", "attempt", attempt+1)
			go f.readPump()
			return
		}
		f.logger.Error("reconnect failed",
			"attempt", attempt+1,
			"max_attempts", f.config.ReconnectAttempts,
			"error", err,
		)
	}
}

// StopListening stops recognition and closes the connection.
func (f *FunASR) StopListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.listening {
		return nil
	}
	f.listening = false
	close(f.stopped)

	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
	return nil
}

// Verify FunASR implements Service at compile time.
var _ Service = (*FunASR)(nil)
