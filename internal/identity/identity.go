// Package identity implements the identity extractor (C2): it derives
// canonical identifiers from an OAuth credential so the selector can
// deduplicate accounts that show up as more than one stored row.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"authcore/internal/credtypes"
)

// emailOnlyProviders restricts dedup to email identifiers; see the
// OpenAI-Codex open question in the design notes.
var emailOnlyProviders = map[string]bool{
	"openai-codex": true,
	"anthropic":    true,
}

// Identifiers returns the identifier set for cred under provider's dedup
// rule, formatted as "email:<lowercased>" or "account:<as-is>".
func Identifiers(provider string, cred credtypes.Credential) []string {
	emailOnly := emailOnlyProviders[provider]

	ids := fromExplicitFields(cred, emailOnly)
	if len(ids) > 0 {
		return ids
	}
	if ids := fromJWT(cred.Access, emailOnly); len(ids) > 0 {
		return ids
	}
	return fromJWT(cred.Refresh, emailOnly)
}

func fromExplicitFields(cred credtypes.Credential, emailOnly bool) []string {
	var ids []string
	if cred.Email != "" {
		ids = append(ids, "email:"+strings.ToLower(cred.Email))
	}
	if !emailOnly && cred.AccountID != "" {
		ids = append(ids, "account:"+cred.AccountID)
	}
	return ids
}

// jwtClaims is the subset of standard/provider claims identity extraction
// looks at.
type jwtClaims struct {
	Email     string `json:"email"`
	AccountID string `json:"account_id"`
	AccountID2 string `json:"accountId"`
	UserID    string `json:"user_id"`
	Sub       string `json:"sub"`
}

func fromJWT(token string, emailOnly bool) []string {
	if token == "" {
		return nil
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers emit standard (padded) base64url.
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil
		}
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}

	if claims.Email != "" {
		return []string{"email:" + strings.ToLower(claims.Email)}
	}
	if emailOnly {
		return nil
	}
	for _, account := range []string{claims.AccountID, claims.AccountID2, claims.UserID, claims.Sub} {
		if account != "" {
			return []string{"account:" + account}
		}
	}
	return nil
}
