package providers

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/iteam1/reviewbot/internal/webhookutils"
)

// Registry holds the configured adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
	log.Info().Str("provider", a.Name()).Msg("registered webhook provider")
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect returns the adapter that recognizes the delivery headers.
func (r *Registry) Detect(headers map[string]string) (Adapter, bool) {
	log.Debug().Interface("headers", relevantHeaders(headers)).Msg("detecting webhook provider")
	for _, name := range r.Names() {
		a := r.adapters[name]
		if a.CanHandleWebhook(headers) {
			return a, true
		}
	}
	log.Warn().Msg("no provider detected for webhook")
	return nil, false
}

// relevantHeaders extracts webhook-relevant headers for logging. Secrets are
// never included.
func relevantHeaders(headers map[string]string) map[string]string {
	relevant := make(map[string]string)
	for _, name := range []string{
		"X-GitHub-Event", "X-GitHub-Delivery", "X-GitHub-Hook-ID",
		"X-Gitlab-Event", "X-Gitlab-Event-UUID", "X-Gitlab-Instance",
		"User-Agent", "Content-Type",
	} {
		if v, ok := webhookutils.GetHeaderCaseInsensitive(headers, name); ok {
			relevant[name] = v
		}
	}
	return relevant
}
