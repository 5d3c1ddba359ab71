// Package syncerr defines the typed error taxonomy shared across the sync
// plane (spec §7) and the RFC 7807 mapping used by the HTTP transport.
package syncerr

import "errors"

var (
	// ErrClockDrift is returned when a push's HLC timestamp exceeds the
	// gateway's configured drift tolerance against the gateway's own clock.
	ErrClockDrift = errors.New("syncerr: clock drift exceeds tolerance")

	// ErrBufferFull is returned when admitting a delta would take the
	// in-memory delta buffer past its configured byte bound; it cannot
	// accept more deltas before the next flush.
	ErrBufferFull = errors.New("syncerr: buffer full")

	// ErrQuotaExceeded is returned by a gateway's quota hook when a client
	// or tenant has exceeded its configured push/storage quota.
	ErrQuotaExceeded = errors.New("syncerr: quota exceeded")

	// ErrHashMismatch is returned when a transmitted deltaId does not
	// match the recomputed canonical hash.
	ErrHashMismatch = errors.New("syncerr: delta hash mismatch")

	// ErrInvalidRule is returned when a sync-rule filter cannot be
	// evaluated against a delta's column type.
	ErrInvalidRule = errors.New("syncerr: invalid rule")

	// ErrTransport is returned for push/pull transport-level failures
	// (malformed body, disconnected client, etc).
	ErrTransport = errors.New("syncerr: transport error")

	// ErrAdapter is returned when a flush to a DatabaseAdapter or
	// LakeAdapter fails.
	ErrAdapter = errors.New("syncerr: adapter error")

	// ErrSchemaMismatch is returned when a local apply encounters a
	// column absent from the client's TableSchema.
	ErrSchemaMismatch = errors.New("syncerr: schema mismatch")

	// ErrCounterOverflow is returned by the HLC clock when the logical
	// counter would wrap within a single millisecond.
	ErrCounterOverflow = errors.New("syncerr: hlc counter overflow")

	// ErrGatewayDeleted reports a push to a deleted gateway. gateway.Gateway
	// reports a push to a suspended gateway as ErrQuotaExceeded and does
	// not return ErrGatewaySuspended.
	ErrGatewaySuspended = errors.New("syncerr: gateway suspended")
	ErrGatewayDeleted   = errors.New("syncerr: gateway deleted")

	// ErrDeadlineExceeded is returned when a push's caller-supplied
	// deadline expires before the batch is admitted; the gateway rejects
	// the whole batch without mutating the HLC or buffer.
	ErrDeadlineExceeded = errors.New("syncerr: deadline exceeded")
)
