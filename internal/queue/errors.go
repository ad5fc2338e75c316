package queue

import "errors"

var errClosed = errors.New("queue closed")
