package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/auricle/pkg/memory"
	"github.com/MrWong99/auricle/pkg/provider/asr"
	"github.com/MrWong99/auricle/pkg/provider/embeddings"
	"github.com/MrWong99/auricle/pkg/provider/llm"
	"github.com/MrWong99/auricle/pkg/provider/tts"
	"github.com/MrWong99/auricle/pkg/provider/vad"
	"github.com/MrWong99/auricle/pkg/provider/vllm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider type.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider types to their constructor functions for each
// module kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	vad        map[string]func(ProviderEntry) (vad.Engine, error)
	asr        map[string]func(ProviderEntry) (asr.Provider, error)
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	tts        map[string]func(ProviderEntry) (tts.Provider, error)
	memory     map[string]func(ProviderEntry) (memory.Provider, error)
	vllm       map[string]func(ProviderEntry) (vllm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:        make(map[string]func(ProviderEntry) (vad.Engine, error)),
		asr:        make(map[string]func(ProviderEntry) (asr.Provider, error)),
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts:        make(map[string]func(ProviderEntry) (tts.Provider, error)),
		memory:     make(map[string]func(ProviderEntry) (memory.Provider, error)),
		vllm:       make(map[string]func(ProviderEntry) (vllm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterVAD registers a VAD engine factory under typ.
// Subsequent calls with the same type overwrite the previous registration.
func (r *Registry) RegisterVAD(typ string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[typ] = factory
}

// RegisterASR registers an ASR provider factory under typ.
func (r *Registry) RegisterASR(typ string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[typ] = factory
}

// RegisterLLM registers an LLM provider factory under typ.
func (r *Registry) RegisterLLM(typ string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[typ] = factory
}

// RegisterTTS registers a TTS provider factory under typ.
func (r *Registry) RegisterTTS(typ string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[typ] = factory
}

// RegisterMemory registers a memory provider factory under typ.
func (r *Registry) RegisterMemory(typ string, factory func(ProviderEntry) (memory.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory[typ] = factory
}

// RegisterVLLM registers a vision model provider factory under typ.
func (r *Registry) RegisterVLLM(typ string, factory func(ProviderEntry) (vllm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vllm[typ] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under typ.
func (r *Registry) RegisterEmbeddings(typ string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[typ] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under
// entry.Type. Returns [ErrProviderNotRegistered] if no factory exists.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateASR instantiates an ASR provider using the factory registered under entry.Type.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Type.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Type.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateMemory instantiates a memory provider using the factory registered under entry.Type.
func (r *Registry) CreateMemory(entry ProviderEntry) (memory.Provider, error) {
	r.mu.RLock()
	factory, ok := r.memory[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: memory/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateVLLM instantiates a vision model provider using the factory registered under entry.Type.
func (r *Registry) CreateVLLM(entry ProviderEntry) (vllm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.vllm[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vllm/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Type.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Type)
	}
	return factory(entry)
}
