package objects

import (
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// PayloadOpener produces a fresh readable stream over an object's
// uncompressed payload. Stores hand Objects an opener rather than the
// bytes so that large payloads can be decompressed lazily.
type PayloadOpener func() (stream.Source, error)

// Object is a stored object: a descriptor plus access to its payload.
// Objects never own the repository they came from.
type Object struct {
	Info Info

	open PayloadOpener
}

// New creates an Object whose payload is read through open
func New(info Info, open PayloadOpener) *Object {
	return &Object{Info: info, open: open}
}

// NewFromBytes creates an Object over an in-memory payload
func NewFromBytes(info Info, payload []byte) *Object {
	return &Object{
		Info: info,
		open: func() (stream.Source, error) {
			return stream.NewMemSource(payload), nil
		},
	}
}

// PayloadStream opens a fresh stream over the uncompressed payload
func (o *Object) PayloadStream() (stream.Source, error) {
	if o.open == nil {
		return nil, fmt.Errorf("object %s has no payload source", o.Info.Hash.Short())
	}
	return o.open()
}

// Payload reads the whole uncompressed payload into memory
func (o *Object) Payload() ([]byte, error) {
	src, err := o.PayloadStream()
	if err != nil {
		return nil, err
	}
	return stream.NewReader(src).ReadAll()
}

// VerifyPayload reads the payload and checks it against the descriptor
// hash. Every object retrievable by hash must pass this check.
func (o *Object) VerifyPayload() error {
	payload, err := o.Payload()
	if err != nil {
		return err
	}
	if got := objecthash.Sum(payload); got != o.Info.Hash {
		return fmt.Errorf("payload hash mismatch for %s: computed %s", o.Info.Hash.Short(), got.Short())
	}
	return nil
}
