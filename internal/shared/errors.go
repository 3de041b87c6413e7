package shared

import "errors"

// ErrIdempotencyKeyInvalid occurs when an Idempotency-Key header is malformed.
var ErrIdempotencyKeyInvalid = errors.New("idempotency key invalid")
