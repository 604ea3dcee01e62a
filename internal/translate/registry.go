package translate

import "fmt"

// Registry is an explicit lookup table of vendor adapters keyed by provider
// identifier. It is constructed once at the composition root and injected
// everywhere an adapter is needed — never a hidden module-level global.
type Registry struct {
	adapters map[string]VendorAdapter
}

// NewRegistry returns a Registry pre-populated with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]VendorAdapter)}
	r.Register(&OpenAIAdapter{})
	r.Register(&AnthropicAdapter{})
	r.Register(&GeminiAdapter{})
	return r
}

// Register adds or replaces the adapter under its own name.
func (r *Registry) Register(a VendorAdapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for the given provider identifier.
func (r *Registry) Get(provider string) (VendorAdapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("translate: no adapter registered for provider %q", provider)
	}
	return a, nil
}

// Names returns the registered provider identifiers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}
