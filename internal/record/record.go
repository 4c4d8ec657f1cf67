// Package record holds the archived message shape and its binary codec.
//
// The encoding is protobuf wire format so an archive can be inspected with
// any protobuf tooling against this schema:
//
//	message Record {
//	  optional bytes  key       = 1;
//	  optional bytes  value     = 2;
//	  uint32          partition = 3;
//	  repeated bytes  headers   = 4;
//	}
//
//	message Header {
//	  bytes key   = 1;
//	  bytes value = 2;
//	}
package record

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKey       protowire.Number = 1
	fieldValue     protowire.Number = 2
	fieldPartition protowire.Number = 3
	fieldHeaders   protowire.Number = 4

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// ErrMalformed is returned for truncated or structurally invalid input.
var ErrMalformed = errors.New("record: malformed")

// Record is a single broker message as stored in an archive. A nil Key or
// Value means the field was absent on the broker; an empty non-nil slice is
// kept distinct from nil.
type Record struct {
	Key       []byte
	Value     []byte
	Partition uint32
	Headers   [][]byte
}

// Header is a broker record header. Records carry headers as encoded
// Header payloads (see EncodeHeader).
type Header struct {
	Key   []byte
	Value []byte
}

// EncodedLen returns the exact number of bytes Encode produces for r.
func EncodedLen(r Record) int {
	n := 0
	if r.Key != nil {
		n += protowire.SizeTag(fieldKey) + protowire.SizeBytes(len(r.Key))
	}
	if r.Value != nil {
		n += protowire.SizeTag(fieldValue) + protowire.SizeBytes(len(r.Value))
	}
	n += protowire.SizeTag(fieldPartition) + protowire.SizeVarint(uint64(r.Partition))
	for _, h := range r.Headers {
		n += protowire.SizeTag(fieldHeaders) + protowire.SizeBytes(len(h))
	}
	return n
}

// Append appends the encoding of r to dst.
func Append(dst []byte, r Record) []byte {
	if r.Key != nil {
		dst = protowire.AppendTag(dst, fieldKey, protowire.BytesType)
		dst = protowire.AppendBytes(dst, r.Key)
	}
	if r.Value != nil {
		dst = protowire.AppendTag(dst, fieldValue, protowire.BytesType)
		dst = protowire.AppendBytes(dst, r.Value)
	}
	dst = protowire.AppendTag(dst, fieldPartition, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(r.Partition))
	for _, h := range r.Headers {
		dst = protowire.AppendTag(dst, fieldHeaders, protowire.BytesType)
		dst = protowire.AppendBytes(dst, h)
	}
	return dst
}

// Encode returns the encoding of r.
func Encode(r Record) []byte {
	return Append(make([]byte, 0, EncodedLen(r)), r)
}

// Decode parses b into a Record. The returned slices alias b.
func Decode(b []byte) (Record, error) {
	var (
		r            Record
		hasPartition bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldKey, fieldValue, fieldHeaders:
			if typ != protowire.BytesType {
				return Record{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, malformed(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			v = v[:len(v):len(v)]
			switch num {
			case fieldKey:
				r.Key = v
			case fieldValue:
				r.Value = v
			default:
				r.Headers = append(r.Headers, v)
			}
			b = b[n:]
		case fieldPartition:
			if typ != protowire.VarintType {
				return Record{}, fmt.Errorf("%w: partition has wire type %d", ErrMalformed, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, malformed("partition", protowire.ParseError(n))
			}
			if v > math.MaxUint32 {
				return Record{}, fmt.Errorf("%w: partition %d overflows uint32", ErrMalformed, v)
			}
			r.Partition, hasPartition = uint32(v), true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, malformed(fmt.Sprintf("unknown field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !hasPartition {
		return Record{}, fmt.Errorf("%w: missing partition", ErrMalformed)
	}
	return r, nil
}

// EncodeHeader encodes a key/value header for use in Record.Headers.
func EncodeHeader(h Header) []byte {
	n := protowire.SizeTag(fieldHeaderKey) + protowire.SizeBytes(len(h.Key)) +
		protowire.SizeTag(fieldHeaderValue) + protowire.SizeBytes(len(h.Value))
	b := make([]byte, 0, n)
	b = protowire.AppendTag(b, fieldHeaderKey, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Key)
	b = protowire.AppendTag(b, fieldHeaderValue, protowire.BytesType)
	return protowire.AppendBytes(b, h.Value)
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, malformed("header tag", protowire.ParseError(n))
		}
		b = b[n:]
		if (num == fieldHeaderKey || num == fieldHeaderValue) && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Header{}, malformed("header field", protowire.ParseError(n))
			}
			if num == fieldHeaderKey {
				h.Key = v[:len(v):len(v)]
			} else {
				h.Value = v[:len(v):len(v)]
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return Header{}, malformed("header field", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return h, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}
