package engine

import (
	"sort"
	"sync"
)

// Registry is the namespaced lookup of translators by (type,
// type_version) and adapters by backend name. Last registration wins.
type Registry struct {
	mu          sync.RWMutex
	translators map[translatorKey]Translator
	adapters    map[string]Adapter
}

type translatorKey struct {
	typ     string
	version string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		translators: make(map[translatorKey]Translator),
		adapters:    make(map[string]Adapter),
	}
}

// RegisterTranslator registers a translator for (type, version),
// replacing any previous registration.
func (r *Registry) RegisterTranslator(typ, version string, t Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translators[translatorKey{typ, version}] = t
}

// Translator returns the translator for (type, version), or false.
func (r *Registry) Translator(typ, version string) (Translator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.translators[translatorKey{typ, version}]
	return t, ok
}

// RegisterAdapter registers an adapter under a backend name, replacing
// any previous registration.
func (r *Registry) RegisterAdapter(backend string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[backend] = a
}

// Adapter returns the adapter for a backend, or false.
func (r *Registry) Adapter(backend string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[backend]
	return a, ok
}

// ListAdapters returns the registered backend names, sorted.
func (r *Registry) ListAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTranslators returns the registered (type, version) pairs, sorted
// by type then version.
func (r *Registry) ListTranslators() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([][2]string, 0, len(r.translators))
	for k := range r.translators {
		keys = append(keys, [2]string{k.typ, k.version})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	return keys
}
