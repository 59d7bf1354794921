package refresh

import (
	"context"

	"golang.org/x/sync/singleflight"

	"authcore/internal/credtypes"
)

// Coalescer collapses concurrent refreshes of the same credential id into
// one round trip, replacing the teacher's hand-rolled InflightCoordinator
// with golang.org/x/sync/singleflight.
type Coalescer struct {
	group singleflight.Group
}

// Do runs fn unless a refresh for credentialID is already in flight, in
// which case it waits for and returns that call's result.
func (c *Coalescer) Do(ctx context.Context, credentialID string, fn func(context.Context) (credtypes.Credential, error)) (credtypes.Credential, error) {
	v, err, _ := c.group.Do(credentialID, func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return credtypes.Credential{}, err
	}
	return v.(credtypes.Credential), nil
}
