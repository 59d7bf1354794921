// Package selector implements the credential selector (C6): the in-memory
// orchestrator that loads and deduplicates credential sets, tracks
// round-robin and session stickiness, marks and expires backoffs, drives
// usage-aware ranking and OAuth refresh, and surfaces an API key.
package selector

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"authcore/internal/credtypes"
	"authcore/internal/events"
	"authcore/internal/identity"
	"authcore/internal/ranking"
	"authcore/internal/refresh"
	"authcore/internal/usageprobe"
)

// Backend is the subset of the credential store (C1) the selector depends
// on; *store.Store satisfies it.
type Backend interface {
	ListAuthCredentials(ctx context.Context, provider string) ([]credtypes.StoredCredential, error)
	ReplaceForProvider(ctx context.Context, provider string, credentials []credtypes.Credential) ([]int64, error)
	UpdateAuthCredential(ctx context.Context, id int64, credential credtypes.Credential)
	DeleteAuthCredential(ctx context.Context, id int64)
	DeleteAuthCredentialsForProvider(ctx context.Context, provider string)
	GetCache(ctx context.Context, key string) (string, bool)
	SetCache(ctx context.Context, key, value string, expiresAtSec int64)
	Path() string
}

// ConfigResolver dereferences an api_key credential's key field: a literal,
// an environment-variable name, or a "!cmd"-prefixed external command.
type ConfigResolver func(ctx context.Context, key string) (string, bool)

// EnvLookup reads a well-known environment variable for the fallback step.
type EnvLookup func(name string) (string, bool)

// FallbackResolver is consulted last, after storage, refresh, and env.
type FallbackResolver func(ctx context.Context, provider string) (string, bool)

type sessionAssignment struct {
	credentialType credtypes.CredentialType
	index          int
}

type backoffKey struct {
	provider string
	credType credtypes.CredentialType
}

type roundRobinKey = backoffKey

// Selector is the concrete C6 implementation.
type Selector struct {
	backend    Backend
	refreshers *refresh.Registry
	probers    *usageprobe.Registry
	rankers    *ranking.Registry
	coalescer  refresh.Coalescer

	logger          log.FieldLogger
	now             func() time.Time
	events          *events.Hub
	probeHTTPClient *http.Client

	configResolver   ConfigResolver
	envLookup        EnvLookup
	providerEnvVars  map[string][]string
	fallbackResolver FallbackResolver

	mu                 sync.RWMutex
	credentialSets     map[string][]credtypes.StoredCredential
	backoffs           map[backoffKey]map[int64]time.Time
	sessionAssignments map[string]map[string]sessionAssignment
	roundRobin         map[roundRobinKey]int

	runtimeMu       sync.RWMutex
	runtimeOverride map[string]string
}

// Option configures a Selector at construction time.
type Option func(*Selector)

func WithLogger(l log.FieldLogger) Option { return func(s *Selector) { s.logger = l } }
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Selector) { s.now = fn }
}
func WithEventHub(h *events.Hub) Option { return func(s *Selector) { s.events = h } }

// WithProbeHTTPClient overrides the HTTP client usage probes are handed via
// usageprobe.Deps.HTTPClient, taking priority over whatever client a plugin
// constructed itself with. Tests use this to inject a fake transport without
// re-registering a prober instance per case.
func WithProbeHTTPClient(c *http.Client) Option {
	return func(s *Selector) { s.probeHTTPClient = c }
}
func WithConfigResolver(fn ConfigResolver) Option {
	return func(s *Selector) { s.configResolver = fn }
}
func WithEnvLookup(fn EnvLookup) Option { return func(s *Selector) { s.envLookup = fn } }
func WithProviderEnvVars(vars map[string][]string) Option {
	return func(s *Selector) { s.providerEnvVars = vars }
}
func WithFallbackResolver(fn FallbackResolver) Option {
	return func(s *Selector) { s.fallbackResolver = fn }
}

// New constructs a Selector bound to backend and the three plugin registries.
func New(backend Backend, refreshers *refresh.Registry, probers *usageprobe.Registry, rankers *ranking.Registry, opts ...Option) *Selector {
	s := &Selector{
		backend:            backend,
		refreshers:         refreshers,
		probers:            probers,
		rankers:            rankers,
		logger:             log.StandardLogger(),
		now:                time.Now,
		events:             events.NewHub(),
		providerEnvVars:    map[string][]string{},
		credentialSets:     map[string][]credtypes.StoredCredential{},
		backoffs:           map[backoffKey]map[int64]time.Time{},
		sessionAssignments: map[string]map[string]sessionAssignment{},
		roundRobin:         map[roundRobinKey]int{},
		runtimeOverride:    map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events exposes the selector's event hub for external subscribers.
func (s *Selector) Events() *events.Hub { return s.events }

// Reload loads all non-disabled rows from the backend, groups them by
// provider, applies deduplication, and replaces in-memory state. Session and
// round-robin state are cleared for any provider whose set changed.
func (s *Selector) Reload(ctx context.Context) error {
	rows, err := s.backend.ListAuthCredentials(ctx, "")
	if err != nil {
		s.logger.WithError(err).Warn("selector: reload failed, keeping previous in-memory state")
		return nil
	}

	byProvider := map[string][]credtypes.StoredCredential{}
	for _, row := range rows {
		byProvider[row.Provider] = append(byProvider[row.Provider], row)
	}

	s.mu.Lock()
	changed := map[string]bool{}
	newSets := map[string][]credtypes.StoredCredential{}
	for provider, set := range byProvider {
		deduped := s.dedup(ctx, provider, set)
		newSets[provider] = deduped
		if !sameIDs(s.credentialSets[provider], deduped) {
			changed[provider] = true
		}
	}
	for provider := range s.credentialSets {
		if _, ok := newSets[provider]; !ok {
			changed[provider] = true
		}
	}
	s.credentialSets = newSets
	for provider := range changed {
		delete(s.sessionAssignments, provider)
		for key := range s.roundRobin {
			if key.provider == provider {
				delete(s.roundRobin, key)
			}
		}
	}
	s.mu.Unlock()

	held := map[int64]bool{}
	for _, set := range newSets {
		for _, row := range set {
			held[row.ID] = true
		}
	}
	rowIDs := make([]int64, 0, len(held))
	for _, row := range rows {
		if held[row.ID] {
			rowIDs = append(rowIDs, row.ID)
		}
	}
	s.events.PublishCredentialsSynced(ctx, rowIDs)
	return nil
}

func sameIDs(a, b []credtypes.StoredCredential) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// dedup applies §4.6.2: walk newest to oldest, keep the first credential to
// claim each identifier, soft-delete the rest.
func (s *Selector) dedup(ctx context.Context, provider string, set []credtypes.StoredCredential) []credtypes.StoredCredential {
	claimed := map[string]bool{}
	kept := make([]credtypes.StoredCredential, 0, len(set))

	for i := len(set) - 1; i >= 0; i-- {
		row := set[i]
		if row.Credential.Type != credtypes.OAuth {
			kept = append(kept, row)
			continue
		}
		ids := identity.Identifiers(provider, row.Credential)
		collides := false
		for _, id := range ids {
			if claimed[id] {
				collides = true
				break
			}
		}
		if collides {
			s.backend.DeleteAuthCredential(ctx, row.ID)
			s.events.PublishCredentialDisabled(ctx, provider, row.ID, "dedup")
			continue
		}
		for _, id := range ids {
			claimed[id] = true
		}
		kept = append(kept, row)
	}

	// Reverse back to insertion order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
