package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DuStrategy shells out to du(1) for the apparent size of the tree.
type DuStrategy struct {
	bin string
}

func (s *DuStrategy) Name() string { return StrategyDu }

// Size runs du -sb on root. du exits non-zero when it has to skip entries
// but still prints a total for the rest, and that total is used.
func (s *DuStrategy) Size(ctx context.Context, root string) (uint64, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.bin, "-sb", "--", root)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	var exitErr *exec.ExitError
	if runErr != nil && (!errors.As(runErr, &exitErr) || stdout.Len() == 0) {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return 0, fmt.Errorf("du %s: %s", root, msg)
		}
		return 0, fmt.Errorf("running du: %w", runErr)
	}

	return parseDuOutput(stdout.String())
}

// parseDuOutput reads the byte count from a "<bytes>\t<path>" line.
func parseDuOutput(out string) (uint64, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	field, _, _ := strings.Cut(line, "\t")
	if field == "" {
		return 0, fmt.Errorf("unexpected du output: %q", out)
	}

	n, err := strconv.ParseUint(strings.TrimSpace(field), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing du output %q: %w", field, err)
	}
	return n, nil
}
