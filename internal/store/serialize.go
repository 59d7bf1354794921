package store

import (
	"encoding/json"
	"fmt"

	"authcore/internal/credtypes"
)

// known lists the JSON keys the typed Credential struct already models;
// anything else round-trips through Extra.
var known = map[string]struct{}{
	"key": {}, "access": {}, "refresh": {}, "expires": {},
	"accountId": {}, "email": {}, "projectId": {}, "enterpriseUrl": {},
}

func marshalCredential(c credtypes.Credential) ([]byte, error) {
	raw := map[string]any{}
	for k, v := range c.Extra {
		raw[k] = v
	}
	switch c.Type {
	case credtypes.APIKey:
		raw["key"] = c.Key
	case credtypes.OAuth:
		raw["access"] = c.Access
		raw["refresh"] = c.Refresh
		raw["expires"] = c.ExpiresAt
		if c.AccountID != "" {
			raw["accountId"] = c.AccountID
		}
		if c.Email != "" {
			raw["email"] = c.Email
		}
		if c.ProjectID != "" {
			raw["projectId"] = c.ProjectID
		}
		if c.EnterpriseURL != "" {
			raw["enterpriseUrl"] = c.EnterpriseURL
		}
	default:
		return nil, fmt.Errorf("marshal credential: unknown type %q", c.Type)
	}
	return json.Marshal(raw)
}

func unmarshalCredential(credentialType string, data []byte) (credtypes.Credential, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return credtypes.Credential{}, err
	}

	c := credtypes.Credential{Type: credtypes.CredentialType(credentialType)}
	extra := map[string]any{}
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			extra[k] = v
			continue
		}
		switch k {
		case "key":
			c.Key, _ = v.(string)
		case "access":
			c.Access, _ = v.(string)
		case "refresh":
			c.Refresh, _ = v.(string)
		case "expires":
			c.ExpiresAt = toInt64(v)
		case "accountId":
			c.AccountID, _ = v.(string)
		case "email":
			c.Email, _ = v.(string)
		case "projectId":
			c.ProjectID, _ = v.(string)
		case "enterpriseUrl":
			c.EnterpriseURL, _ = v.(string)
		}
	}
	if len(extra) > 0 {
		c.Extra = extra
	}
	return c, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
