package selector

import (
	"context"
	"time"

	"authcore/internal/credtypes"
	"authcore/internal/usageprobe"
)

// fakeRefresher is a configurable refresh.Refresher test double.
type fakeRefresher struct {
	needsRefresh func(cred credtypes.Credential) bool
	refresh      func(cred credtypes.Credential) (credtypes.Credential, error)
}

func (f *fakeRefresher) NeedsRefresh(cred credtypes.Credential, now time.Time) bool {
	if f.needsRefresh == nil {
		return false
	}
	return f.needsRefresh(cred)
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred credtypes.Credential) (credtypes.Credential, error) {
	return f.refresh(cred)
}

func (f *fakeRefresher) APIKeyFrom(cred credtypes.Credential) string { return cred.Access }

// fakeProber returns a canned report keyed by the credential's account id.
type fakeProber struct {
	reports map[string]*credtypes.UsageReport
}

func (f *fakeProber) Supports(params usageprobe.Params) bool { return true }

func (f *fakeProber) FetchUsage(ctx context.Context, params usageprobe.Params, deps usageprobe.Deps) *credtypes.UsageReport {
	return f.reports[params.Credential.AccountID]
}

// fakeRanker treats a report's first limit as primary and never boosts.
type fakeRanker struct{}

func (fakeRanker) FindWindowLimits(report *credtypes.UsageReport) (*credtypes.UsageLimit, *credtypes.UsageLimit) {
	if report == nil || len(report.Limits) == 0 {
		return nil, nil
	}
	return &report.Limits[0], nil
}

func (fakeRanker) HasPriorityBoost(primary *credtypes.UsageLimit) bool { return false }

func (fakeRanker) WindowDefaults() (int64, int64) { return 0, 0 }

func floatPtr(v float64) *float64 { return &v }
