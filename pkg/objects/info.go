// Package objects defines the immutable object model of a hive
// repository: commits, directory trees, blobs, large-blob descriptors
// and purge tombstones, together with their canonical serialized forms.
// Every object is named by the content hash of its uncompressed payload.
package objects

import (
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// Type identifies an object kind. TypeNull is an in-memory sentinel and
// never appears in a stored object.
type Type uint8

const (
	TypeNull Type = iota
	TypeCommit
	TypeTree
	TypeBlob
	TypeLargeBlob
	TypePurged
)

// typeTagSize is the serialized width of a type tag
const typeTagSize = 4

// Tag returns the four-byte ASCII tag of the type
func (t Type) Tag() string {
	switch t {
	case TypeCommit:
		return "CMMT"
	case TypeTree:
		return "TREE"
	case TypeBlob:
		return "BLOB"
	case TypeLargeBlob:
		return "LGBL"
	case TypePurged:
		return "PURG"
	default:
		return ""
	}
}

// String returns a human-readable type name
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeLargeBlob:
		return "largeblob"
	case TypePurged:
		return "purged"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

// TypeFromTag parses a four-byte ASCII tag. Unknown tags map to
// TypeNull.
func TypeFromTag(tag string) Type {
	switch tag {
	case "CMMT":
		return TypeCommit
	case "TREE":
		return TypeTree
	case "BLOB":
		return TypeBlob
	case "LGBL":
		return TypeLargeBlob
	case "PURG":
		return TypePurged
	default:
		return TypeNull
	}
}

// Compression flag bits: the low two bits of Info.Flags select the
// payload compression algorithm.
const (
	FlagCompMask    uint32 = 0x00000003
	flagCompNone    uint32 = 0x0
	flagCompSnappy  uint32 = 0x1
	flagCompZstd    uint32 = 0x2
	flagCompUnknown uint32 = 0x3
)

// SizeUnset marks an Info whose payload size has not been filled in.
// Stored objects never carry it.
const SizeUnset = ^uint32(0)

// InfoSize is the serialized width of an Info record: type tag, hash,
// flags and payload size.
const InfoSize = typeTagSize + objecthash.Size + 4 + 4

// Info is the fixed-size descriptor of a stored object.
type Info struct {
	Type        Type
	Hash        objecthash.Hash
	Flags       uint32
	PayloadSize uint32
}

// NewInfo creates an Info for the given hash with no type and an unset
// payload size
func NewInfo(hash objecthash.Hash) Info {
	return Info{Type: TypeNull, Hash: hash, PayloadSize: SizeUnset}
}

// Compression decodes the algorithm from the flag bits
func (i Info) Compression() stream.Compression {
	switch i.Flags & FlagCompMask {
	case flagCompNone:
		return stream.CompNone
	case flagCompSnappy:
		return stream.CompSnappy
	case flagCompZstd:
		return stream.CompZstd
	default:
		return stream.CompUnknown
	}
}

// SetCompression encodes the algorithm into the flag bits
func (i *Info) SetCompression(c stream.Compression) {
	i.Flags &^= FlagCompMask
	switch c {
	case stream.CompNone:
		i.Flags |= flagCompNone
	case stream.CompSnappy:
		i.Flags |= flagCompSnappy
	case stream.CompZstd:
		i.Flags |= flagCompZstd
	default:
		i.Flags |= flagCompUnknown
	}
}

// HasAllFields reports whether the Info describes a storable object
func (i Info) HasAllFields() bool {
	if i.Type == TypeNull {
		return false
	}
	if i.Hash.IsEmpty() {
		return false
	}
	if i.PayloadSize == SizeUnset {
		return false
	}
	return true
}

// Less orders Infos by hash, then type, for stable object listings
func (i Info) Less(other Info) bool {
	if i.Hash != other.Hash {
		return i.Hash.Less(other.Hash)
	}
	return i.Type < other.Type
}

// Marshal serializes the Info into its fixed-size form
func (i Info) Marshal() ([]byte, error) {
	tag := i.Type.Tag()
	if tag == "" {
		return nil, fmt.Errorf("%w: cannot serialize type %s", ErrBadObjectType, i.Type)
	}
	buf := make([]byte, 0, InfoSize)
	buf = append(buf, tag...)
	buf = append(buf, i.Hash[:]...)
	buf = append(buf,
		byte(i.Flags>>24), byte(i.Flags>>16), byte(i.Flags>>8), byte(i.Flags))
	buf = append(buf,
		byte(i.PayloadSize>>24), byte(i.PayloadSize>>16), byte(i.PayloadSize>>8), byte(i.PayloadSize))
	return buf, nil
}

// UnmarshalInfo parses a fixed-size Info record
func UnmarshalInfo(buf []byte) (Info, error) {
	if len(buf) != InfoSize {
		return Info{}, fmt.Errorf("invalid info record size: got %d, want %d", len(buf), InfoSize)
	}
	typ := TypeFromTag(string(buf[:typeTagSize]))
	if typ == TypeNull {
		return Info{}, fmt.Errorf("%w: tag %q", ErrBadObjectType, buf[:typeTagSize])
	}
	var info Info
	info.Type = typ
	copy(info.Hash[:], buf[typeTagSize:typeTagSize+objecthash.Size])
	p := typeTagSize + objecthash.Size
	info.Flags = uint32(buf[p])<<24 | uint32(buf[p+1])<<16 | uint32(buf[p+2])<<8 | uint32(buf[p+3])
	p += 4
	info.PayloadSize = uint32(buf[p])<<24 | uint32(buf[p+1])<<16 | uint32(buf[p+2])<<8 | uint32(buf[p+3])
	return info, nil
}

// WriteInfo writes an Info to a stream, with its type tag when the
// stream is typed
func WriteInfo(w *stream.Writer, info Info) error {
	raw, err := info.Marshal()
	if err != nil {
		return err
	}
	return w.WriteTagged(stream.TagObjInfo, raw)
}

// ReadInfo reads an Info from a stream
func ReadInfo(r *stream.Reader) (Info, error) {
	raw, err := r.ReadTagged(stream.TagObjInfo, InfoSize)
	if err != nil {
		return Info{}, err
	}
	return UnmarshalInfo(raw)
}
