// Package wakeword detects configured wake phrases in ASR transcripts and
// serves a cached spoken greeting in response.
//
// Detection is fuzzy on purpose: ASR output for a wake phrase is rarely a
// character-exact match ("hey oracle" comes back as "Hey, Oracle!" or
// "hey orical"). The matcher combines Double Metaphone phonetic codes with
// Jaro-Winkler string similarity so phonetically equivalent transcripts still
// trigger the wake path, while unrelated speech does not.
package wakeword

import (
	"strings"
	"sync"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90
)

// MatcherOption is a functional option for configuring a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-overlapping transcript to count as a wake phrase. Default: 0.80.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when the
// transcript shares no phonetic code with any wake phrase. Default: 0.90.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher decides whether a transcript is one of the configured wake phrases.
// It is safe for concurrent use; SetPhrases may be called at any time to apply
// a configuration reload.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	mu      sync.RWMutex
	phrases []phrase
}

// phrase is a wake phrase with its precomputed phonetic codes.
type phrase struct {
	original string
	norm     string
	tokens   []string
	codes    map[string]struct{}
}

// NewMatcher returns a [Matcher] for the given wake phrases.
func NewMatcher(phrases []string, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	m.SetPhrases(phrases)
	return m
}

// SetPhrases replaces the configured wake phrases. Empty entries are dropped.
func (m *Matcher) SetPhrases(phrases []string) {
	compiled := make([]phrase, 0, len(phrases))
	for _, p := range phrases {
		norm := normalize(p)
		if norm == "" {
			continue
		}
		tokens := strings.Fields(norm)
		compiled = append(compiled, phrase{
			original: p,
			norm:     norm,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
	}
	m.mu.Lock()
	m.phrases = compiled
	m.mu.Unlock()
}

// Match reports whether text is a wake phrase. On a match it returns the
// configured phrase (as written in the configuration, not the transcript) and
// the similarity score that selected it. Exact matches after normalization
// score 1.0 and short-circuit the fuzzy pass.
func (m *Matcher) Match(text string) (matched string, score float64, ok bool) {
	norm := normalize(text)
	if norm == "" {
		return "", 0, false
	}

	m.mu.RLock()
	phrases := m.phrases
	m.mu.RUnlock()

	tokens := strings.Fields(norm)
	inputCodes := codesForTokens(tokens)

	var best phrase
	var bestScore float64
	var bestPhonetic bool

	for _, p := range phrases {
		if p.norm == norm {
			return p.original, 1.0, true
		}

		jw := bestJWScore(tokens, p.tokens, norm, p.norm)
		if codesOverlap(inputCodes, p.codes) {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = p, jw, true
			}
		} else if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			best, bestScore = p, jw
		}
	}

	if best.norm == "" {
		return "", 0, false
	}
	return best.original, bestScore, true
}

// normalize lowercases text and strips everything that is not a letter, a
// digit, or a space, collapsing runs of whitespace. ASR punctuation and
// trailing periods disappear, so "Hey, Oracle!" and "hey oracle" normalize
// identically.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) && !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// codesForTokens returns the union of Double Metaphone codes for the tokens.
// Empty codes (words too short or without consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between transcript
// and phrase. It compares the full strings and the space-stripped strings;
// for single-word phrases it additionally takes the best per-token score, so
// "oracle please" still wakes on the phrase "oracle". Multi-word phrases are
// never matched token-by-token; one shared word must not wake the device.
func bestJWScore(inputTokens, phraseTokens []string, inputFull, phraseFull string) float64 {
	score := matchr.JaroWinkler(inputFull, phraseFull, false)

	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(phraseTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	if len(phraseTokens) == 1 {
		for _, it := range inputTokens {
			if s := matchr.JaroWinkler(it, phraseFull, false); s > score {
				score = s
			}
		}
	}

	return score
}
