package broker

import "github.com/adred-codev/docsyncbroker/session"

// ErrEncryptionMismatch is returned by GetOrOpenSession when a caller's
// requested encrypted flag disagrees with an existing or concurrently
// opening session's immutable flag. It is the same sentinel the session
// package returns from Apply, since both guard the same invariant (I2).
var ErrEncryptionMismatch = session.ErrEncryptionMismatch
