package delta

import (
	"fmt"

	"github.com/hyperengineering/syncd/internal/syncerr"
)

// ErrHashMismatch indicates a transmitted deltaId disagreed with the
// recomputed value on decode (spec §4.2, §7). It wraps
// syncerr.ErrHashMismatch.
var ErrHashMismatch = fmt.Errorf("delta: hash mismatch: %w", syncerr.ErrHashMismatch)
