package api

import (
	"net/http"

	"github.com/hyperengineering/syncd/internal/syncerr"
)

// WriteProblem writes an RFC 7807 Problem Details response. Thin
// re-export of syncerr.WriteProblem so handlers and middleware in this
// package only need to import api.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	syncerr.WriteProblem(w, r, status, detail)
}

// MapSyncError converts a syncerr taxonomy error into the matching
// Problem Details response.
func MapSyncError(w http.ResponseWriter, r *http.Request, err error) {
	syncerr.MapSyncError(w, r, err)
}
