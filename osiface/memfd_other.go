//go:build !linux

package osiface

import "github.com/cockroachdb/errors"

// NewMemfd fails on platforms without memfd files
func NewMemfd() (Primitive, error) {
	return nil, errors.Wrap(ErrUnsupported, "memfd")
}

// DuplicateFd fails on platforms without pidfd_getfd
func DuplicateFd(pid int, fd int) (int, error) {
	return -1, errors.Wrap(ErrUnsupported, "pidfd_getfd")
}
