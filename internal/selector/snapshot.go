package selector

import "authcore/internal/credtypes"

// Snapshot is a serializable view of C6 state sufficient for a sub-process
// to reopen the same store and rebuild equivalent selection state, per §6.
type Snapshot struct {
	StorePath       string
	RuntimeOverride map[string]string
	CredentialSets  map[string][]credtypes.StoredCredential
}

// Snapshot captures the current credential set, runtime overrides, and
// store path.
func (s *Selector) Snapshot() Snapshot {
	s.runtimeMu.RLock()
	overrides := make(map[string]string, len(s.runtimeOverride))
	for k, v := range s.runtimeOverride {
		overrides[k] = v
	}
	s.runtimeMu.RUnlock()

	s.mu.RLock()
	sets := make(map[string][]credtypes.StoredCredential, len(s.credentialSets))
	for provider, set := range s.credentialSets {
		clone := make([]credtypes.StoredCredential, len(set))
		for i, row := range set {
			clone[i] = row.Clone()
		}
		sets[provider] = clone
	}
	s.mu.RUnlock()

	return Snapshot{
		StorePath:       s.backend.Path(),
		RuntimeOverride: overrides,
		CredentialSets:  sets,
	}
}

// RestoreSnapshot rebuilds in-memory state from a Snapshot produced by a
// sibling Selector sharing the same store file; it does not re-read the
// backend.
func (s *Selector) RestoreSnapshot(snap Snapshot) {
	s.mu.Lock()
	s.credentialSets = snap.CredentialSets
	s.sessionAssignments = map[string]map[string]sessionAssignment{}
	s.roundRobin = map[roundRobinKey]int{}
	s.mu.Unlock()

	s.runtimeMu.Lock()
	s.runtimeOverride = snap.RuntimeOverride
	s.runtimeMu.Unlock()
}
