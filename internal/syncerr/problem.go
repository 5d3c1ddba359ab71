package syncerr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://syncd.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://syncd.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://syncd.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://syncd.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://syncd.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://syncd.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusConflict: {
		typeURI: "https://syncd.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusForbidden: {
		typeURI: "https://syncd.dev/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://syncd.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
	http.StatusRequestEntityTooLarge: {
		typeURI: "https://syncd.dev/errors/buffer-full",
		title:   "Buffer Full",
	},
	http.StatusRequestTimeout: {
		typeURI: "https://syncd.dev/errors/deadline-exceeded",
		title:   "Deadline Exceeded",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://syncd.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapSyncError converts a syncerr taxonomy error into a Problem Details
// response. Unrecognised errors never leak internal detail to the client.
func MapSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrClockDrift):
		WriteProblem(w, r, http.StatusBadRequest, "push timestamp exceeds allowed clock drift")
	case errors.Is(err, ErrBufferFull):
		WriteProblem(w, r, http.StatusRequestEntityTooLarge, "gateway buffer is full, retry after flush")
	case errors.Is(err, ErrQuotaExceeded):
		WriteProblem(w, r, http.StatusTooManyRequests, "client quota exceeded")
	case errors.Is(err, ErrHashMismatch):
		WriteProblem(w, r, http.StatusBadRequest, "delta hash does not match its content")
	case errors.Is(err, ErrInvalidRule):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "sync rule could not be evaluated")
	case errors.Is(err, ErrSchemaMismatch):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "delta column absent from local schema")
	case errors.Is(err, ErrCounterOverflow):
		WriteProblem(w, r, http.StatusInternalServerError, "hlc counter overflow")
	case errors.Is(err, ErrGatewaySuspended):
		WriteProblem(w, r, http.StatusForbidden, "gateway is suspended")
	case errors.Is(err, ErrGatewayDeleted):
		WriteProblem(w, r, http.StatusNotFound, "gateway has been deleted")
	case errors.Is(err, ErrDeadlineExceeded):
		WriteProblem(w, r, http.StatusRequestTimeout, "push deadline exceeded before the batch was admitted")
	case errors.Is(err, ErrAdapter), errors.Is(err, ErrTransport):
		WriteProblem(w, r, http.StatusServiceUnavailable, "upstream sync component unavailable")
	default:
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
