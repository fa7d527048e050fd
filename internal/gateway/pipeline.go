package gateway

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/report"
	"github.com/MrWong99/auricle/pkg/audio"
	"github.com/MrWong99/auricle/pkg/protocol"
	"github.com/MrWong99/auricle/pkg/provider/asr"
	"github.com/MrWong99/auricle/pkg/provider/vad"
	"github.com/MrWong99/auricle/pkg/types"
)

// vadWindowSize is the number of recent frame decisions the end-of-speech
// window looks at. All-silence across the window ends the utterance.
const vadWindowSize = 5

const asrApology = "Sorry, I couldn't hear that properly. Could you say it again?"

func vadConfig(p protocol.AudioParams) vad.Config {
	return vad.Config{
		SampleRate:       p.SampleRate,
		FrameSizeMs:      p.FrameDuration,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	}
}

// audioWorker consumes the binary frame queue in arrival order.
func (c *Connection) audioWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.audioQ:
			c.processAudioFrame(ctx, frame)
		}
	}
}

func (c *Connection) processAudioFrame(ctx context.Context, frame []byte) {
	c.codecMu.Lock()
	dec := c.decoder
	sess := c.vadSess
	c.codecMu.Unlock()
	if dec == nil {
		return
	}

	pcm, err := dec.Decode(frame)
	if err != nil {
		c.log.Debug("opus decode failed", "error", err)
		return
	}

	voice := true
	if sess != nil {
		ev, err := sess.ProcessFrame(pcm)
		if err != nil {
			c.log.Debug("vad frame rejected", "error", err)
			return
		}
		voice = ev.Type == types.VADSpeechStart || ev.Type == types.VADSpeechContinue
	}

	c.listenMu.Lock()
	if !c.listening {
		c.listenMu.Unlock()
		return
	}

	c.vadWindow = append(c.vadWindow, voice)
	if len(c.vadWindow) > vadWindowSize {
		c.vadWindow = c.vadWindow[len(c.vadWindow)-vadWindowSize:]
	}

	switch c.mode {
	case protocol.ListenModeManual:
		// The client decides when the utterance ends; capture everything.
		c.utterance = append(c.utterance, pcm...)
		c.listenMu.Unlock()
		return
	default:
		if sess == nil {
			// No VAD engine: behave like manual and wait for listen stop.
			c.utterance = append(c.utterance, pcm...)
			c.listenMu.Unlock()
			return
		}
		if !c.inSpeech {
			if !voice {
				c.listenMu.Unlock()
				return
			}
			c.inSpeech = true
		}
		c.utterance = append(c.utterance, pcm...)
		if len(c.vadWindow) == vadWindowSize && allSilent(c.vadWindow) {
			done := c.utterance
			c.utterance = nil
			c.vadWindow = nil
			c.inSpeech = false
			c.listenMu.Unlock()
			go c.processUtterance(ctx, done)
			return
		}
		c.listenMu.Unlock()
	}
}

func allSilent(window []bool) bool {
	for _, voice := range window {
		if voice {
			return false
		}
	}
	return true
}

// processUtterance runs one utterance through ASR and hands the transcript
// to the turn engine. Runs on its own goroutine off the audio worker.
func (c *Connection) processUtterance(ctx context.Context, pcm []byte) {
	if c.deps.ASR == nil {
		return
	}
	params := c.audioParams()
	if params.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if params.SampleRate != audio.DefaultSampleRate {
		pcm = audio.ResampleMono16(pcm, params.SampleRate, audio.DefaultSampleRate)
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordUtterance(ctx, "voice")
	}
	start := time.Now()
	transcript, err := c.deps.ASR.Transcribe(ctx, pcm, asr.AudioConfig{
		SampleRate: audio.DefaultSampleRate,
		Channels:   1,
	})
	elapsed := time.Since(start)
	if c.deps.Metrics != nil {
		c.deps.Metrics.ASRDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordProviderError(ctx, "asr", "transcribe")
		}
		c.log.Error("transcription failed", "error", err)
		c.speakOneShot(ctx, asrApology)
		return
	}

	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		c.log.Debug("empty transcript, skipping turn")
		return
	}
	c.log.Info("transcript", "text", text, "confidence", transcript.Confidence, "duration", elapsed)

	c.writeJSON(ctx, protocol.NewSTT(c.sessionID, text))
	c.report(report.KindASR, text, transcript.Duration)

	if matchesExitCommand(c.config(), text) {
		c.log.Info("exit command received", "text", text)
		c.closeAfterTurn.Store(true)
	}

	// When a voiceprint provider is configured the turn carries who spoke;
	// the stt echo above stays the raw transcript.
	query := text
	if c.deps.Voiceprint != nil {
		speaker, err := c.deps.Voiceprint.Identify(ctx, pcm, asr.AudioConfig{
			SampleRate: audio.DefaultSampleRate,
			Channels:   1,
		})
		if err != nil {
			c.log.Warn("speaker identification failed", "error", err)
		} else if speaker != "" {
			query = speaker + " says: " + text
		}
	}
	c.startChat(ctx, query)
}

// SpeakerIdentifier matches an utterance against enrolled voiceprints and
// returns the speaker's name, or "" when nobody matches.
type SpeakerIdentifier interface {
	Identify(ctx context.Context, pcm []byte, cfg asr.AudioConfig) (string, error)
}

// speakOneShot pushes a single spoken sentence bracketed as a full turn.
func (c *Connection) speakOneShot(ctx context.Context, text string) {
	sid := uuid.NewString()
	c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceFirst, Content: types.ContentAction})
	c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceMiddle, Content: types.ContentText, Text: text})
	c.pushSpeech(ctx, types.SpeechMessage{SentenceID: sid, Type: types.SentenceLast, Content: types.ContentAction})
}

// report enqueues a usage record when reporting is enabled and the device is
// bound to the manager.
func (c *Connection) report(kind report.Kind, text string, duration time.Duration) {
	if c.deps.Reporter == nil || !c.meta.verdict.Bound {
		return
	}
	c.deps.Reporter.Enqueue(report.Record{
		DeviceID:   c.meta.deviceID,
		SessionID:  c.sessionID,
		Kind:       kind,
		Text:       text,
		DurationMs: duration.Milliseconds(),
	})
}

// matchesExitCommand reports whether a transcript asks to end the session.
// Punctuation is stripped before comparison; matching is exact unless the
// configuration opts into substring matching.
func matchesExitCommand(cfg *config.Config, text string) bool {
	if cfg == nil || len(cfg.ExitCommands) == 0 {
		return false
	}
	norm := normalizeCommand(text)
	if norm == "" {
		return false
	}
	exact := cfg.ExactExitMatch()
	for _, cmd := range cfg.ExitCommands {
		cmdNorm := normalizeCommand(cmd)
		if cmdNorm == "" {
			continue
		}
		if exact {
			if norm == cmdNorm {
				return true
			}
		} else if strings.Contains(norm, cmdNorm) {
			return true
		}
	}
	return false
}

func normalizeCommand(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
