package selector

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"authcore/internal/credtypes"
	"authcore/internal/identity"
)

// FetchUsageReportsOptions carries the optional parameters to
// FetchUsageReports.
type FetchUsageReportsOptions struct {
	BaseURLResolver func(provider string) string
}

// FetchUsageReports probes every OAuth credential across every provider and
// merges reports that identify the same underlying account, per §4.6.9.
func (s *Selector) FetchUsageReports(ctx context.Context, opts FetchUsageReportsOptions) ([]credtypes.UsageReport, error) {
	s.mu.RLock()
	type job struct {
		provider string
		cred     credtypes.Credential
	}
	var jobs []job
	for provider, set := range s.credentialSets {
		for _, row := range set {
			if row.Credential.Type == credtypes.OAuth {
				jobs = append(jobs, job{provider: provider, cred: row.Credential})
			}
		}
	}
	s.mu.RUnlock()

	reports := make([]*credtypes.UsageReport, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			prober := s.probers.Lookup(j.provider)
			if prober == nil {
				return nil
			}
			baseURL := ""
			if opts.BaseURLResolver != nil {
				baseURL = opts.BaseURLResolver(j.provider)
			}
			report := s.probeUsage(gctx, j.provider, j.cred, baseURL, prober)
			mu.Lock()
			reports[i] = report
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	nonNil := make([]credtypes.UsageReport, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			nonNil = append(nonNil, *r)
		}
	}

	return mergeReports(nonNil), nil
}

// mergeReports groups reports whose metadata-derived identifier sets
// intersect, merging each group: union limits by id, base on the report
// with the most limits, adopt the max fetchedAt.
func mergeReports(reports []credtypes.UsageReport) []credtypes.UsageReport {
	groups := make([]*reportGroup, 0, len(reports))

	for _, r := range reports {
		ids := reportIdentifiers(r)
		var target *reportGroup
		for _, g := range groups {
			if intersects(g.ids, ids) {
				target = g
				break
			}
		}
		if target == nil {
			target = &reportGroup{}
			groups = append(groups, target)
		}
		target.reports = append(target.reports, r)
		target.ids = unionSet(target.ids, ids)
	}

	out := make([]credtypes.UsageReport, 0, len(groups))
	for _, g := range groups {
		out = append(out, mergeGroup(g.reports))
	}
	return out
}

type reportGroup struct {
	ids     map[string]bool
	reports []credtypes.UsageReport
}

func reportIdentifiers(r credtypes.UsageReport) map[string]bool {
	ids := map[string]bool{}
	cred := credtypes.Credential{}
	if email, ok := r.Metadata["email"]; ok {
		cred.Email = email
	}
	for _, key := range []string{"accountId", "account", "user", "username"} {
		if v, ok := r.Metadata[key]; ok && cred.AccountID == "" {
			cred.AccountID = v
		}
	}
	for _, id := range identity.Identifiers("", cred) {
		ids[id] = true
	}
	return ids
}

func intersects(a, b map[string]bool) bool {
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}

func unionSet(a, b map[string]bool) map[string]bool {
	if a == nil {
		a = map[string]bool{}
	}
	for id := range b {
		a[id] = true
	}
	return a
}

func mergeGroup(reports []credtypes.UsageReport) credtypes.UsageReport {
	if len(reports) == 1 {
		return reports[0]
	}

	base := reports[0]
	for _, r := range reports[1:] {
		if len(r.Limits) > len(base.Limits) {
			base = r
		}
	}

	limitsByID := map[string]credtypes.UsageLimit{}
	var maxFetchedAt = base.FetchedAt
	for _, r := range reports {
		if r.FetchedAt.After(maxFetchedAt) {
			maxFetchedAt = r.FetchedAt
		}
		for _, l := range r.Limits {
			limitsByID[l.ID] = l
		}
	}

	merged := base
	merged.FetchedAt = maxFetchedAt
	merged.Limits = make([]credtypes.UsageLimit, 0, len(limitsByID))
	for _, l := range limitsByID {
		merged.Limits = append(merged.Limits, l)
	}
	return merged
}
