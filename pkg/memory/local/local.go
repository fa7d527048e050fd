// Package local provides an in-process memory provider with keyword
// retrieval. It keeps everything in RAM, so remembered context survives
// reconnects within one server run but not restarts. Suitable for single-host
// deployments without a database.
package local

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/auricle/pkg/memory"
	"github.com/MrWong99/auricle/pkg/types"
)

const (
	// defaultLimit is the fragment cap applied when Query is called with 0.
	defaultLimit = 5

	// maxFragmentsPerDevice bounds per-device storage; oldest entries are
	// evicted first.
	maxFragmentsPerDevice = 200
)

// Store implements memory.Provider with an in-process map of fragments.
// Retrieval scores fragments by word overlap with the query and recency.
type Store struct {
	mu       sync.RWMutex
	byDevice map[string][]memory.Fragment
	now      func() time.Time
}

// New creates an empty local memory store.
func New() *Store {
	return &Store{
		byDevice: make(map[string][]memory.Fragment),
		now:      time.Now,
	}
}

var _ memory.Provider = (*Store)(nil)

// Save implements memory.Provider. Each user/assistant pair becomes one
// fragment; tool traffic and system prompts are not remembered.
func (s *Store) Save(ctx context.Context, deviceID string, messages []types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deviceID == "" {
		return nil
	}

	var frags []memory.Fragment
	var pendingUser string
	for _, m := range messages {
		switch m.Role {
		case "user":
			pendingUser = m.Content
		case "assistant":
			if m.Content == "" {
				continue
			}
			content := "assistant: " + m.Content
			if pendingUser != "" {
				content = "user: " + pendingUser + "\n" + content
				pendingUser = ""
			}
			frags = append(frags, memory.Fragment{
				DeviceID:  deviceID,
				Content:   content,
				Timestamp: s.now(),
			})
		}
	}
	if len(frags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(s.byDevice[deviceID], frags...)
	if len(all) > maxFragmentsPerDevice {
		all = all[len(all)-maxFragmentsPerDevice:]
	}
	s.byDevice[deviceID] = all
	return nil
}

// Query implements memory.Provider. Fragments are scored by the number of
// query words they contain; recency breaks ties.
func (s *Store) Query(ctx context.Context, deviceID, query string, limit int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	s.mu.RLock()
	frags := s.byDevice[deviceID]
	s.mu.RUnlock()
	if len(frags) == 0 {
		return "", nil
	}

	words := queryWords(query)
	type scored struct {
		frag  memory.Fragment
		score int
	}
	var matches []scored
	for _, f := range frags {
		sc := overlap(f.Content, words)
		if sc > 0 {
			matches = append(matches, scored{frag: f, score: sc})
		}
	}
	if len(matches) == 0 {
		return "", nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].frag.Timestamp.After(matches[j].frag.Timestamp)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(m.frag.Content)
	}
	return b.String(), nil
}

// queryWords lowercases and splits the query, dropping one-rune words that
// would match almost everything.
func queryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, w := range fields {
		w = strings.Trim(w, ".,!?;:\"'")
		if len([]rune(w)) > 1 {
			out = append(out, w)
		}
	}
	return out
}

// overlap counts how many of the query words occur in content.
func overlap(content string, words []string) int {
	lower := strings.ToLower(content)
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}
