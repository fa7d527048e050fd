package gateway

import (
	"context"
	"strings"

	"github.com/MrWong99/auricle/pkg/protocol"
)

// emotionRule maps trigger words in the assistant's opening text to the
// emotion cue shown on the device display.
type emotionRule struct {
	emotion string
	emoji   string
	words   []string
}

// Order matters: the first rule with a hit wins, neutral is the fallback.
var emotionRules = []emotionRule{
	{"laughing", "😂", []string{"haha", "hilarious", "joke", "funny"}},
	{"happy", "😊", []string{"glad", "great", "wonderful", "happy", "nice", "love", "congrat"}},
	{"sad", "😔", []string{"sorry", "sad", "unfortunate", "regret", "apolog"}},
	{"surprised", "😲", []string{"wow", "amazing", "incredible", "surprising", "unbelievable"}},
	{"thinking", "🤔", []string{"hmm", "let me think", "interesting question", "depends"}},
	{"confident", "😎", []string{"definitely", "certainly", "absolutely", "of course"}},
}

const (
	neutralEmotion = "neutral"
	neutralEmoji   = "🙂"
)

// classifyEmotion picks an emotion cue from the opening of the assistant's
// reply. It runs once per turn on the first chunk, before any audio is ready,
// so the face changes while the answer is still being synthesized.
func classifyEmotion(text string) (emotion, emoji string) {
	lower := strings.ToLower(text)
	for _, rule := range emotionRules {
		for _, w := range rule.words {
			if strings.Contains(lower, w) {
				return rule.emotion, rule.emoji
			}
		}
	}
	return neutralEmotion, neutralEmoji
}

// sendEmotion emits the one-shot emotion cue for the current turn.
func (c *Connection) sendEmotion(ctx context.Context, text string) {
	emotion, emoji := classifyEmotion(text)
	c.writeJSON(ctx, protocol.NewLLM(c.sessionID, emotion, emoji))
}
