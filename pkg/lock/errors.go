package lock

import "github.com/pkg/errors"

// ErrAborted is returned by Acquire when the waiting transaction was
// aborted, either explicitly or as a deadlock victim, before its lock
// could be granted.
var ErrAborted = errors.New("lock: transaction aborted while waiting")
