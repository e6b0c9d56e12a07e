package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Lease grants one holder exclusive use of a key for a bounded time. The
// recovery service and the worker pool use it so that only one of them, in
// one process, runs a given execution.
//
// Holders are lease tokens (see NewLeaseToken), unique per acquisition.
// Renew and Release only act on the exact token that acquired the lease.
type Lease interface {
	// Acquire takes a free key for token. It reports false while any live
	// lease exists, including one held by the same owner.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Replace hands a live lease held by old over to token. It reports
	// false when old no longer holds it.
	Replace(ctx context.Context, key, old, token string, ttl time.Duration) (bool, error)

	// Renew extends a lease still held by token. It reports false when the
	// lease was lost.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release drops the lease if token still holds it.
	Release(ctx context.Context, key, token string) error

	// Holder returns the current token, or "" when the key is free.
	Holder(ctx context.Context, key string) (string, error)
}

// LeaseKey returns the lease key guarding an execution.
func LeaseKey(executionID string) string {
	return "flow:execution:" + executionID
}

// leaseProcess identifies this process among incarnations of one owner.
var leaseProcess = newID("proc")

// LeaseToken identifies one lease acquisition, formatted as
// "<owner>/<process>/<nonce>".
type LeaseToken struct {
	Owner   string
	Process string
	Nonce   string
}

// NewLeaseToken returns a fresh token for owner issued by this process.
func NewLeaseToken(owner string) string {
	return LeaseToken{Owner: owner, Process: leaseProcess, Nonce: newID("lease")}.String()
}

func (t LeaseToken) String() string {
	return t.Owner + "/" + t.Process + "/" + t.Nonce
}

// ParseLeaseToken splits a token. It reports false for values that are not
// tokens, such as a bare owner name.
func ParseLeaseToken(s string) (LeaseToken, bool) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return LeaseToken{}, false
	}
	j := strings.LastIndex(s[:i], "/")
	if j <= 0 || j == i-1 {
		return LeaseToken{}, false
	}
	return LeaseToken{Owner: s[:j], Process: s[j+1 : i], Nonce: s[i+1:]}, true
}

// Supersedes reports whether t may take over a live lease held by holder.
// That is the case only when holder was issued to the same owner by another
// process: the owner restarted and the old lease is stale.
func (t LeaseToken) Supersedes(holder string) bool {
	h, ok := ParseLeaseToken(holder)
	return ok && t.Owner != "" && h.Owner == t.Owner && h.Process != t.Process
}

// AcquireLease takes key for token. A live lease left behind by an earlier
// process of the same owner is taken over; any other live holder is
// returned with false.
func AcquireLease(ctx context.Context, leases Lease, key, token string, ttl time.Duration) (bool, string, error) {
	acquired, err := leases.Acquire(ctx, key, token, ttl)
	if err != nil || acquired {
		return acquired, "", err
	}
	holder, err := leases.Holder(ctx, key)
	if err != nil {
		return false, "", err
	}
	if holder == "" {
		// Expired in between.
		acquired, err = leases.Acquire(ctx, key, token, ttl)
		return acquired, "", err
	}
	t, ok := ParseLeaseToken(token)
	if !ok || !t.Supersedes(holder) {
		return false, holder, nil
	}
	acquired, err = leases.Replace(ctx, key, holder, token, ttl)
	if err != nil || acquired {
		return acquired, "", err
	}
	holder, err = leases.Holder(ctx, key)
	return false, holder, err
}

// LeaseOwner returns the owner part of a holder token.
func LeaseOwner(holder string) string {
	if t, ok := ParseLeaseToken(holder); ok {
		return t.Owner
	}
	return holder
}

// KeepAlive renews a lease every ttl/3 until ctx ends. If the lease is lost
// it calls lost, which should stop the work the lease protects.
func KeepAlive(ctx context.Context, leases Lease, key, token string, ttl time.Duration, logger *slog.Logger, lost func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := leases.Renew(ctx, key, token, ttl)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("failed to renew lease", "key", key, "error", err)
				continue
			}
			if !ok {
				logger.Error("lease lost; stopping work", "key", key, "token", token)
				if lost != nil {
					lost()
				}
				return
			}
		}
	}
}
