package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/auricle/internal/report"
	"github.com/MrWong99/auricle/pkg/audio"
	"github.com/MrWong99/auricle/pkg/protocol"
	"github.com/MrWong99/auricle/pkg/types"
)

// speechWorker consumes the ordered speech queue and turns it into the
// framed tts protocol: start, per-sentence markers, paced audio, stop.
func (c *Connection) speechWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.speechQ:
			c.sendSpeech(ctx, msg)
			if msg.Type == types.SentenceLast && c.closeAfterTurn.Load() {
				c.log.Info("closing after final turn")
				c.shutdown(websocket.StatusNormalClosure, "goodbye")
				return
			}
		}
	}
}

func (c *Connection) sendSpeech(ctx context.Context, msg types.SpeechMessage) {
	// Messages still queued from an aborted turn are dropped; the abort
	// handler already closed the speaking state.
	if c.aborted.Load() {
		return
	}

	switch msg.Type {
	case types.SentenceFirst:
		c.writeJSON(ctx, protocol.NewTTS(c.sessionID, protocol.TTSStateStart, ""))
	case types.SentenceLast:
		c.writeJSON(ctx, protocol.NewTTS(c.sessionID, protocol.TTSStateStop, ""))
	case types.SentenceMiddle:
		switch msg.Content {
		case types.ContentText:
			c.speakSentence(ctx, msg.Text)
		case types.ContentFile:
			c.playPackets(ctx, msg.Text, msg.Packets, 0)
		case types.ContentAction:
			// Control-only, nothing to play.
		}
	}
}

// speakSentence synthesizes one sentence and streams it. Synthesis failures
// skip the sentence; the turn framing stays intact.
func (c *Connection) speakSentence(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if c.deps.TTS == nil {
		// No synthesis available: still surface the text for display.
		c.writeJSON(ctx, protocol.NewTTS(c.sessionID, protocol.TTSStateSentenceStart, text))
		c.writeJSON(ctx, protocol.NewTTS(c.sessionID, protocol.TTSStateSentenceEnd, ""))
		return
	}

	start := time.Now()
	res, err := c.deps.TTS.Synthesize(ctx, text, c.voiceProfile())
	if c.deps.Metrics != nil {
		c.deps.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		}
		c.log.Error("synthesis failed", "error", err, "text", text)
		return
	}

	packets, err := c.encodeSpeech(res.PCM, res.SampleRate, res.Channels)
	if err != nil {
		c.log.Error("speech encode failed", "error", err)
		return
	}

	duration := res.Duration
	if duration == 0 {
		// 16-bit mono at the device rate.
		samples := len(res.PCM) / 2
		if res.Channels == 2 {
			samples /= 2
		}
		if res.SampleRate > 0 {
			duration = time.Duration(samples) * time.Second / time.Duration(res.SampleRate)
		}
	}

	c.playPackets(ctx, text, packets, duration)
	c.report(report.KindTTS, text, duration)
}

// playPackets brackets one sentence with start/end markers and paces the
// audio frames at the frame duration so the device buffer never overruns.
func (c *Connection) playPackets(ctx context.Context, text string, packets [][]byte, duration time.Duration) {
	// Abort may have landed while this sentence was being synthesized.
	if c.aborted.Load() {
		return
	}
	startMsg := protocol.NewTTS(c.sessionID, protocol.TTSStateSentenceStart, text)
	if duration > 0 {
		startMsg.DurationMs = int(duration.Milliseconds())
	}
	c.writeJSON(ctx, startMsg)

	frameDur := time.Duration(protocol.DefaultAudioParams().FrameDuration) * time.Millisecond
	for _, p := range packets {
		if c.aborted.Load() || ctx.Err() != nil {
			return
		}
		if err := c.writeFrame(ctx, websocket.MessageBinary, p); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(frameDur):
		}
	}

	c.writeJSON(ctx, protocol.NewTTS(c.sessionID, protocol.TTSStateSentenceEnd, ""))
}

// encodeSpeech converts provider PCM to the device format and packs it into
// Opus frames.
func (c *Connection) encodeSpeech(pcm []byte, sampleRate, channels int) ([][]byte, error) {
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if sampleRate > 0 && sampleRate != audio.DefaultSampleRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, audio.DefaultSampleRate)
	}
	// Synthesis can outrun provider init right after hello; wait for it.
	select {
	case <-c.readyCh:
	case <-time.After(5 * time.Second):
	}
	c.codecMu.Lock()
	enc := c.encoder
	c.codecMu.Unlock()
	if enc == nil {
		return nil, errors.New("gateway: encoder not ready")
	}
	return enc.EncodeAll(pcm)
}

// voiceProfile derives the synthesis voice from the selected TTS provider
// entry. An empty profile selects the provider default.
func (c *Connection) voiceProfile() types.VoiceProfile {
	cfg := c.config()
	if cfg == nil {
		return types.VoiceProfile{}
	}
	entry, ok := cfg.Provider(cfg.SelectedModule.TTS)
	if !ok {
		return types.VoiceProfile{}
	}
	v := types.VoiceProfile{Provider: entry.Type}
	if id, ok := entry.Options["voice"].(string); ok {
		v.ID = id
	}
	return v
}
