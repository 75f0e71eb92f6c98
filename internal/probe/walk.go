package probe

import (
	"context"
	"io/fs"
	"path/filepath"
)

// WalkStrategy sums the apparent size of every regular file in the tree.
type WalkStrategy struct {
	// visit, if set, is called for each entry before it is sized.
	visit func(path string)
}

func (w *WalkStrategy) Name() string { return StrategyWalk }

// Size walks the tree under root. Entries that vanish or cannot be read
// mid-walk are left out of the total; only a missing root is an error.
func (w *WalkStrategy) Size(ctx context.Context, root string) (uint64, error) {
	root = resolveRoot(root)

	var total uint64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		switch {
		case err == nil:
		case d == nil && p == root:
			return err
		case d != nil && d.IsDir():
			return filepath.SkipDir
		default:
			return nil
		}

		if w.visit != nil {
			w.visit(p)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed between readdir and stat.
			return nil
		}
		if n := info.Size(); n > 0 {
			total += uint64(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
