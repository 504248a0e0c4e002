package cc

import "errors"

var (
	errUnknownID    = errors.New("cc: unknown congestion controller id")
	errBadParams    = errors.New("cc: invalid parameters")
)
