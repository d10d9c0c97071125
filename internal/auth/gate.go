package auth

import (
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Gate collapses concurrent refreshes of one credential into a single
// flight; waiters share the winner's outcome. Callers re-check the stored
// credential inside fn so a waiter that arrives after a completed flight
// reuses the fresh token instead of refreshing again.
type Gate struct {
	g singleflight.Group
}

// Do runs fn unless a flight for the same credential is already underway.
// The bool reports whether the result was shared with other waiters.
func (g *Gate) Do(id uint64, fn func() (*Result, error)) (*Result, bool, error) {
	v, err, shared := g.g.Do(strconv.FormatUint(id, 10), func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	res, _ := v.(*Result)
	return res, shared, nil
}
