// Package energy provides an energy-based VAD engine with an adaptive noise
// floor. It implements the vad.Engine interface without any model file or CGO
// dependency, which makes it the default engine for the gateway.
//
// Each frame's RMS energy is compared against a noise floor tracked with
// exponential smoothing over non-speech frames. The ratio between frame energy
// and floor is squashed into a [0,1] probability, and the session's
// speech/silence thresholds hysteresis the start/end transitions. Loud steady
// background (fans, road noise) raises the floor over a few seconds, so the
// engine adapts instead of latching into permanent speech.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/auricle/pkg/provider/vad"
	"github.com/MrWong99/auricle/pkg/types"
)

const (
	// floorAlpha is the exponential smoothing factor applied to the noise floor
	// on silence frames. Smaller = slower adaptation.
	floorAlpha = 0.05

	// initialFloor is the starting noise floor in RMS units of int16 samples.
	// Roughly the level of a quiet room on typical device microphones.
	initialFloor = 120.0

	// minFloor keeps the floor from collapsing to zero on digital silence,
	// which would classify the faintest hiss as speech.
	minFloor = 40.0

	// energyScale controls how fast the probability saturates as frame energy
	// exceeds the floor. probability = 1 - exp(-ratio/energyScale).
	energyScale = 3.0
)

// Engine implements vad.Engine with per-frame RMS energy detection.
type Engine struct{}

// New returns an energy VAD engine. The engine itself is stateless; all
// detection state lives in the sessions it creates.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 0.5
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.35
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.2f exceeds speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		floor:      initialFloor,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session holds the adaptive detection state for one audio stream.
type session struct {
	mu         sync.Mutex
	cfg        vad.Config
	frameBytes int
	floor      float64
	inSpeech   bool
	closed     bool
}

var errClosed = errors.New("energy: session is closed")

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame must be %d bytes, got %d", s.frameBytes, len(frame))
	}

	rms := frameRMS(frame)
	ratio := rms / s.floor
	prob := 1 - math.Exp(-ratio/energyScale)

	ev := types.VADEvent{Probability: prob}
	switch {
	case !s.inSpeech && prob >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = types.VADSpeechStart
	case s.inSpeech && prob <= s.cfg.SilenceThreshold:
		s.inSpeech = false
		ev.Type = types.VADSpeechEnd
	case s.inSpeech:
		ev.Type = types.VADSpeechContinue
	default:
		ev.Type = types.VADSilence
		// Adapt the floor only on frames we judged as silence, so sustained
		// speech does not get absorbed into the baseline.
		s.floor = (1-floorAlpha)*s.floor + floorAlpha*rms
		if s.floor < minFloor {
			s.floor = minFloor
		}
	}
	return ev, nil
}

// Reset implements vad.SessionHandle. The noise floor survives a reset: it
// describes the environment, not the utterance.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

// Close implements vad.SessionHandle. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// frameRMS computes the root-mean-square amplitude of little-endian int16 PCM.
func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
