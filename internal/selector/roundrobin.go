package selector

import "hash/fnv"

// startIndex implements the starting-index rule shared by §4.6.5 and
// §4.6.6: FNV-1a 32-bit hash of sessionID modulo count when sessionID is
// present, else the advancing per-(provider,type) round-robin counter.
func (s *Selector) startIndex(key roundRobinKey, sessionID string, count int) int {
	if count == 0 {
		return 0
	}
	if sessionID != "" {
		h := fnv.New32a()
		h.Write([]byte(sessionID))
		return int(h.Sum32()) % count
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.roundRobin[key] % count
	s.roundRobin[key] = idx + 1
	return idx
}

// traversalOrder returns indices [0, count) starting at start and wrapping.
func traversalOrder(start, count int) []int {
	order := make([]int, count)
	for i := 0; i < count; i++ {
		order[i] = (start + i) % count
	}
	return order
}
