// Package asr provides a streaming speech-recognition contract.
//
// A Service pushes recognition results to a caller-supplied callback
// and hands the caller a send function for inbound call audio, so the
// telephony layer can pump audio without holding a reference to the
// recognizer itself.
package asr

import (
	"context"
	"errors"
)

// Common errors.
var (
	// ErrNotConnected is returned when sending before Connect succeeds.
	ErrNotConnected = errors.New("asr: not connected")

	// ErrAlreadyListening is returned when StartListening is called twice.
	ErrAlreadyListening = errors.New("asr: already listening")
)

// SendAudioFunc pushes raw PCM16 audio into the recognizer.
type SendAudioFunc func(pcm []byte) error

// ResultFunc receives recognition results. isFinal marks a completed
// utterance; partial results may arrive many times before a final.
type ResultFunc func(text string, isFinal bool, timestamp int64)

// Service is the speech-recognition contract the pipeline depends on.
type Service interface {
	// Connect establishes the connection to the recognizer.
	Connect(ctx context.Context) error

	// StartListening begins streaming recognition. onAudioReady is
	// invoked once with the function the caller uses to push audio;
	// onResult is invoked for every recognition result. Returns
	// after the stream is established; results arrive asynchronously.
	StartListening(ctx context.Context, onAudioReady func(SendAudioFunc), onResult ResultFunc) error

	// StopListening stops recognition and releases the connection.
	// Safe to call more than once.
	StopListening() error
}
