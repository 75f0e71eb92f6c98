package probe

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Strategy measures the total size of a folder tree.
type Strategy interface {
	Name() string
	Size(ctx context.Context, root string) (uint64, error)
}

// Strategy names accepted by NewStrategy.
const (
	StrategyAuto = "auto"
	StrategyWalk = "walk"
	StrategyDu   = "du"
	StrategyCeph = "ceph"
)

// CephFSMagic is the statfs f_type of a CephFS mount.
const CephFSMagic = 0x00c36400

// NewStrategy returns the folder strategy with the given name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", StrategyAuto:
		return NewAutoStrategy(), nil
	case StrategyWalk:
		return &WalkStrategy{}, nil
	case StrategyDu:
		bin, err := exec.LookPath("du")
		if err != nil {
			return nil, fmt.Errorf("du strategy: %w", err)
		}
		return &DuStrategy{bin: bin}, nil
	case StrategyCeph:
		return &CephStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown probe strategy %q (use auto, walk, du or ceph)", name)
	}
}

// resolveRoot follows a symlinked root so the tree behind it is measured.
// Links below the root are never followed.
func resolveRoot(root string) string {
	if target, err := filepath.EvalSymlinks(root); err == nil {
		return target
	}
	return root
}
