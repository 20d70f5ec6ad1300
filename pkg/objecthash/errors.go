package objecthash

import "errors"

// ErrInvalidHex is returned when a hex hash string has the wrong length
// or contains characters outside [0-9a-f].
var ErrInvalidHex = errors.New("invalid hex hash")
