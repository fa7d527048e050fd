// Package prompt assembles the system prompt injected into every dialogue.
//
// The prompt is built from the configured persona template plus per-device
// facts: the current date, the device's reply language, and an approximate
// location resolved from the client IP. Rendered prompts are cached per
// device with a TTL so reconnecting devices do not re-run the geo lookup.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Template placeholders replaced during rendering. Unknown placeholders are
// left untouched so persona text can contain literal braces.
const (
	placeholderDate     = "{date}"
	placeholderWeekday  = "{weekday}"
	placeholderLang     = "{lang}"
	placeholderLocation = "{location}"
)

// defaultTemplate is used when the configuration carries no prompt.
const defaultTemplate = "You are a helpful voice assistant. Answer briefly; your reply is spoken aloud. Today is {date} ({weekday}). Reply in {lang}."

// GeoResolver maps a client IP to a coarse human-readable location such as
// "Berlin, Germany". Implementations should be fast; results are cached by
// the manager. Returning an empty string means unknown.
type GeoResolver interface {
	Lookup(ctx context.Context, ip string) (string, error)
}

// Facts carries the per-device values substituted into the template.
type Facts struct {
	// DeviceID keys the prompt cache.
	DeviceID string

	// ClientIP is used for the location lookup. May be empty.
	ClientIP string

	// Lang is the reply language announced by the device ("zh-CN", "en-US").
	// Empty defaults to "the user's language".
	Lang string

	// BindCode, when non-empty, marks an unbound device: the prompt tells the
	// assistant to read the code aloud so the user can register the device.
	BindCode string
}

// Manager renders and caches system prompts. It is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	template string

	geo    GeoResolver
	now    func() time.Time
	prompt *gocache.Cache
	geoHit *gocache.Cache
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithGeoResolver enables location facts via the given resolver.
func WithGeoResolver(g GeoResolver) Option {
	return func(m *Manager) { m.geo = g }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCacheTTL sets the per-device prompt cache TTL. Defaults to 10 minutes.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.prompt = gocache.New(ttl, 2*ttl)
	}
}

// NewManager creates a [Manager] using template as the persona text.
// An empty template selects a built-in default.
func NewManager(template string, opts ...Option) *Manager {
	if strings.TrimSpace(template) == "" {
		template = defaultTemplate
	}
	m := &Manager{
		template: template,
		now:      time.Now,
		prompt:   gocache.New(10*time.Minute, 20*time.Minute),
		geoHit:   gocache.New(time.Hour, 2*time.Hour),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetTemplate atomically replaces the persona template and flushes the
// rendered-prompt cache. Used by config hot reload.
func (m *Manager) SetTemplate(template string) {
	if strings.TrimSpace(template) == "" {
		template = defaultTemplate
	}
	m.mu.Lock()
	m.template = template
	m.mu.Unlock()
	m.prompt.Flush()
}

// Build returns the system prompt for a device, rendering and caching it on
// first use. Rendering never fails; missing facts degrade to generic wording.
func (m *Manager) Build(ctx context.Context, f Facts) string {
	// Unbound devices bypass the cache: the bind code must always be fresh.
	if f.BindCode == "" {
		if cached, ok := m.prompt.Get(f.DeviceID); ok {
			return cached.(string)
		}
	}

	rendered := m.render(ctx, f)
	if f.BindCode == "" && f.DeviceID != "" {
		m.prompt.SetDefault(f.DeviceID, rendered)
	}
	return rendered
}

// Flush drops all cached prompts and geo lookups.
func (m *Manager) Flush() {
	m.prompt.Flush()
	m.geoHit.Flush()
}

// render substitutes all placeholders and appends the location and bind-code
// sections when available.
func (m *Manager) render(ctx context.Context, f Facts) string {
	m.mu.RLock()
	tpl := m.template
	m.mu.RUnlock()

	now := m.now()
	lang := f.Lang
	if lang == "" {
		lang = "the user's language"
	}

	loc := m.location(ctx, f.ClientIP)
	out := strings.NewReplacer(
		placeholderDate, now.Format("2006-01-02"),
		placeholderWeekday, now.Weekday().String(),
		placeholderLang, lang,
		placeholderLocation, loc,
	).Replace(tpl)

	if loc != "" && !strings.Contains(tpl, placeholderLocation) {
		out += fmt.Sprintf("\nThe user is near %s.", loc)
	}
	if f.BindCode != "" {
		out += fmt.Sprintf("\nThis device is not registered yet. Tell the user the six-digit binding code, digit by digit: %s.", f.BindCode)
	}
	return out
}

// location resolves and caches the coarse location for an IP. Lookup failures
// are treated as unknown; geo data is a nicety, never an error source.
func (m *Manager) location(ctx context.Context, ip string) string {
	if m.geo == nil || ip == "" {
		return ""
	}
	if cached, ok := m.geoHit.Get(ip); ok {
		return cached.(string)
	}
	loc, err := m.geo.Lookup(ctx, ip)
	if err != nil {
		return ""
	}
	m.geoHit.SetDefault(ip, loc)
	return loc
}
