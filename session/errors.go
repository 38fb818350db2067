package session

import "errors"

// ErrEncryptionMismatch is returned when a message's encrypted flag
// disagrees with the session's immutable encrypted flag (invariant I2).
var ErrEncryptionMismatch = errors.New("session: encryption mismatch")

// ErrDisposed is returned by Apply once the session has been disposed
// (invariant I4: once disposed, no further messages are applied).
var ErrDisposed = errors.New("session: disposed")
