package selector

// SetRuntimeAPIKey installs a process-wide override for provider, taking
// absolute priority over stored credentials (§4.6.3).
func (s *Selector) SetRuntimeAPIKey(provider, key string) {
	s.runtimeMu.Lock()
	defer s.runtimeMu.Unlock()
	s.runtimeOverride[provider] = key
}

// RemoveRuntimeAPIKey clears provider's override, if any.
func (s *Selector) RemoveRuntimeAPIKey(provider string) {
	s.runtimeMu.Lock()
	defer s.runtimeMu.Unlock()
	delete(s.runtimeOverride, provider)
}

func (s *Selector) runtimeAPIKey(provider string) (string, bool) {
	s.runtimeMu.RLock()
	defer s.runtimeMu.RUnlock()
	key, ok := s.runtimeOverride[provider]
	return key, ok
}

// SetFallbackResolver installs the single caller-supplied resolver consulted
// last in §4.6.4.
func (s *Selector) SetFallbackResolver(fn FallbackResolver) {
	s.fallbackResolver = fn
}
