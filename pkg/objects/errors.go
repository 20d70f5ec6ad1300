package objects

import "errors"

var (
	// ErrBadObjectType is returned for type tags outside the known set
	ErrBadObjectType = errors.New("bad object type")

	// ErrMalformedObject is returned when an object payload cannot be
	// parsed as its claimed type
	ErrMalformedObject = errors.New("malformed object")
)
