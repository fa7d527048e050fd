package energy_test

import (
	"math"
	"testing"

	"github.com/MrWong99/auricle/pkg/provider/vad"
	"github.com/MrWong99/auricle/pkg/provider/vad/energy"
	"github.com/MrWong99/auricle/pkg/types"
)

const (
	testRate    = 16000
	testFrameMs = 60
)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:       testRate,
		FrameSizeMs:      testFrameMs,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	}
}

// frame generates one PCM frame of a sine wave at the given peak amplitude.
func frame(amplitude float64) []byte {
	samples := testRate * testFrameMs / 1000
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		s := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/testRate))
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     vad.Config
		wantErr bool
	}{
		{"valid", testConfig(), false},
		{"zero sample rate", vad.Config{FrameSizeMs: 60}, true},
		{"zero frame size", vad.Config{SampleRate: 16000}, true},
		{"inverted thresholds", vad.Config{SampleRate: 16000, FrameSizeMs: 60, SpeechThreshold: 0.3, SilenceThreshold: 0.6}, true},
	}

	eng := energy.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := eng.NewSession(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSession() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpeechStartContinueEnd(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	loud := frame(12000)
	quiet := frame(10)

	ev, err := sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame(loud) error = %v", err)
	}
	if ev.Type != types.VADSpeechStart {
		t.Fatalf("first loud frame: Type = %v, want VADSpeechStart", ev.Type)
	}

	ev, err = sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame(loud) error = %v", err)
	}
	if ev.Type != types.VADSpeechContinue {
		t.Errorf("second loud frame: Type = %v, want VADSpeechContinue", ev.Type)
	}

	ev, err = sess.ProcessFrame(quiet)
	if err != nil {
		t.Fatalf("ProcessFrame(quiet) error = %v", err)
	}
	if ev.Type != types.VADSpeechEnd {
		t.Errorf("quiet frame after speech: Type = %v, want VADSpeechEnd", ev.Type)
	}

	ev, err = sess.ProcessFrame(quiet)
	if err != nil {
		t.Fatalf("ProcessFrame(quiet) error = %v", err)
	}
	if ev.Type != types.VADSilence {
		t.Errorf("quiet frame in silence: Type = %v, want VADSilence", ev.Type)
	}
}

func TestNoiseFloorAdapts(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	// A mid-level hum classified as silence must drag the floor upward so the
	// same hum never flips to speech later.
	hum := frame(80)
	var last types.VADEvent
	for i := 0; i < 100; i++ {
		last, err = sess.ProcessFrame(hum)
		if err != nil {
			t.Fatalf("ProcessFrame() error = %v", err)
		}
	}
	if last.Type != types.VADSilence {
		t.Errorf("steady hum after adaptation: Type = %v, want VADSilence", last.Type)
	}
}

func TestResetClearsSpeechState(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	if _, err := sess.ProcessFrame(frame(12000)); err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	sess.Reset()

	ev, err := sess.ProcessFrame(frame(12000))
	if err != nil {
		t.Fatalf("ProcessFrame() after Reset error = %v", err)
	}
	if ev.Type != types.VADSpeechStart {
		t.Errorf("loud frame after Reset: Type = %v, want VADSpeechStart", ev.Type)
	}
}

func TestProcessFrameErrors(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	if _, err := sess.ProcessFrame([]byte{1, 2, 3}); err == nil {
		t.Error("ProcessFrame(wrong size) error = nil, want non-nil")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if _, err := sess.ProcessFrame(frame(100)); err == nil {
		t.Error("ProcessFrame() after Close error = nil, want non-nil")
	}
}
