package rpc

import "errors"

var errQueueFull = errors.New("forward queue full")
