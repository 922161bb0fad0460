package svm

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
)

//go:generate go run go.uber.org/mock/mockgen -destination ../internal/mocks/usage_checker.go -package mocks github.com/levelzero/usm/svm UsageChecker

// UsageChecker reports whether the GPU still has work in flight that references an allocation
type UsageChecker interface {
	IsInUse(data *AllocationData) bool
	// Wait blocks until data is no longer in use
	Wait(data *AllocationData)
}

var errStillInUse = errors.New("allocation still in use")

// PendingUseChecker is the UsageChecker driven by the pending-use counters of graphics
// allocations
type PendingUseChecker struct {
	// PollInterval is the first delay between checks in Wait
	PollInterval time.Duration
}

var _ UsageChecker = PendingUseChecker{}

func (c PendingUseChecker) IsInUse(data *AllocationData) bool {
	for _, alloc := range data.allocations {
		if alloc.IsUsed() {
			return true
		}
	}
	return false
}

func (c PendingUseChecker) Wait(data *AllocationData) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.InitialInterval = time.Millisecond
	if c.PollInterval > 0 {
		policy.InitialInterval = c.PollInterval
	}
	policy.MaxInterval = 10 * time.Millisecond
	policy.Reset()

	_ = backoff.Retry(func() error {
		if c.IsInUse(data) {
			return errStillInUse
		}
		return nil
	}, policy)
}
