//go:build !linux

package probe

import (
	"context"
	"errors"
)

// CephStrategy needs Linux xattrs and always fails elsewhere.
type CephStrategy struct{}

func (s *CephStrategy) Name() string { return StrategyCeph }

func (s *CephStrategy) Size(context.Context, string) (uint64, error) {
	return 0, errors.New("ceph strategy requires linux")
}

func onCephFS(string) bool { return false }
