package probe

import "context"

// AutoStrategy reads the CephFS recursive size when the folder is on CephFS
// and walks the tree everywhere else. Detection runs on every call since a
// folder can be remounted between probes.
type AutoStrategy struct {
	walk   Strategy
	ceph   Strategy
	isCeph func(path string) bool
}

// NewAutoStrategy creates an AutoStrategy.
func NewAutoStrategy() *AutoStrategy {
	return &AutoStrategy{
		walk:   &WalkStrategy{},
		ceph:   &CephStrategy{},
		isCeph: onCephFS,
	}
}

func (s *AutoStrategy) Name() string { return StrategyAuto }

// StrategyFor returns the strategy used for root.
func (s *AutoStrategy) StrategyFor(root string) Strategy {
	if s.isCeph(resolveRoot(root)) {
		return s.ceph
	}
	return s.walk
}

func (s *AutoStrategy) Size(ctx context.Context, root string) (uint64, error) {
	return s.StrategyFor(root).Size(ctx, root)
}
