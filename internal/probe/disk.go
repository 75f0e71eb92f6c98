package probe

import (
	"context"

	"github.com/shirou/gopsutil/v4/disk"
)

// diskUsed returns the used bytes (total minus free) of the volume holding
// path. The figure is volume-wide even when path is not the mount point.
func diskUsed(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Used, nil
}
