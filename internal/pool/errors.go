package pool

import "errors"

// ErrPoolClosed is returned by Acquire after ReleaseAll or Close.
var ErrPoolClosed = errors.New("connection pool closed")
