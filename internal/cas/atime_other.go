//go:build !unix

package cas

import (
	"os"
	"time"
)

// atimeOf falls back to modification time on platforms without a
// POSIX stat_t (e.g. plain Windows builds without the unix build tag).
func atimeOf(info os.FileInfo) time.Time {
	return info.ModTime()
}
