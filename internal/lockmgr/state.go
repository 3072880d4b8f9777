package lockmgr

import (
	"context"

	"github.com/harrison/bosun/internal/filelock"
)

// contextBackground exists so the acquire path reads as one expression; the
// process listing during classification is not cancellable mid-acquire.
func contextBackground() context.Context {
	return context.Background()
}

// writeWarnState persists the duplicate-start warning state under a sibling
// lock so concurrent starters do not interleave partial writes.
func writeWarnState(path string, data []byte) error {
	return filelock.ReplaceFile(path, data)
}
