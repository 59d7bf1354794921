// Package credtypes holds the data model shared by the credential store,
// the identity extractor, the refresh and usage-probe plugins, and the
// selector: the Credential sum type, stored-row wrapper, and usage report
// shapes that flow between them.
package credtypes

import "time"

// CredentialType discriminates the two credential shapes the store persists.
type CredentialType string

const (
	APIKey CredentialType = "api_key"
	OAuth  CredentialType = "oauth"
)

// Credential is the sum type described by the data model: an api_key
// credential carries only Key; an oauth credential carries Access/Refresh/
// ExpiresAt and the optional identity fields. Extra preserves any field the
// store round-trips but this struct does not model, so deserialization never
// silently drops data a caller wrote.
type Credential struct {
	Type CredentialType `json:"-"`

	Key string `json:"key,omitempty"`

	Access        string `json:"access,omitempty"`
	Refresh       string `json:"refresh,omitempty"`
	ExpiresAt     int64  `json:"expires,omitempty"` // ms since epoch
	AccountID     string `json:"accountId,omitempty"`
	Email         string `json:"email,omitempty"`
	ProjectID     string `json:"projectId,omitempty"`
	EnterpriseURL string `json:"enterpriseUrl,omitempty"`

	Extra map[string]any `json:"-"`
}

// IsExpired reports whether an OAuth credential's access token has reached
// its expiry at or before now.
func (c Credential) IsExpired(now time.Time) bool {
	if c.Type != OAuth || c.ExpiresAt == 0 {
		return false
	}
	return now.UnixMilli() >= c.ExpiresAt
}

// Clone returns a deep-enough copy safe to hand to a caller without aliasing
// the Extra map.
func (c Credential) Clone() Credential {
	clone := c
	if c.Extra != nil {
		clone.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			clone.Extra[k] = v
		}
	}
	return clone
}

// StoredCredential is a Credential plus the row identity C1 assigns it.
type StoredCredential struct {
	ID        int64
	Provider  string
	Disabled  bool
	Credential Credential
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s StoredCredential) Clone() StoredCredential {
	clone := s
	clone.Credential = s.Credential.Clone()
	return clone
}

// UsageWindow describes the reset behavior of a UsageLimit.
type UsageWindow struct {
	DurationMs *int64     `json:"durationMs,omitempty"`
	ResetInMs  *int64     `json:"resetInMs,omitempty"`
	ResetsAt   *time.Time `json:"resetsAt,omitempty"`
}

// UsageLimit is one quota dimension reported by a provider's usage endpoint.
type UsageLimit struct {
	ID                string       `json:"id"`
	Status            string       `json:"status,omitempty"` // "active" | "exhausted"
	Used              *float64     `json:"used,omitempty"`
	Limit             *float64     `json:"limit,omitempty"`
	Remaining         *float64     `json:"remaining,omitempty"`
	UsedFraction      *float64     `json:"usedFraction,omitempty"`
	RemainingFraction *float64     `json:"remainingFraction,omitempty"`
	Unit              string       `json:"unit,omitempty"`
	Window            *UsageWindow `json:"window,omitempty"`
	ScopeAccountID    string       `json:"scopeAccountId,omitempty"`
}

// IsExhausted applies the §3 exhaustion rule: status says so, or any derived
// signal crosses its threshold.
func (l UsageLimit) IsExhausted() bool {
	if l.Status == "exhausted" {
		return true
	}
	if l.UsedFraction != nil && *l.UsedFraction >= 1 {
		return true
	}
	if l.RemainingFraction != nil && *l.RemainingFraction <= 0 {
		return true
	}
	if l.Used != nil && l.Limit != nil && *l.Used >= *l.Limit {
		return true
	}
	if l.Remaining != nil && *l.Remaining <= 0 {
		return true
	}
	if l.Unit == "percent" && l.Used != nil && *l.Used >= 100 {
		return true
	}
	return false
}

// UsageReport is the normalized snapshot a usage prober produces.
type UsageReport struct {
	Provider  string            `json:"provider"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Limits    []UsageLimit      `json:"limits"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
