// Package archive implements the on-disk archive: a gzip stream of
// length-prefixed record frames.
//
//	frame := [length uint64 big-endian][length bytes: encoded record]
//
// There is no file header, footer or checksum beyond gzip's own trailer.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"topicarchive/internal/record"
)

const (
	// FrameHeaderLen is the size of the length prefix.
	FrameHeaderLen = 8

	// MaxFrameLen caps a single payload; larger prefixes mean a corrupt stream.
	MaxFrameLen = 256 << 20

	MinLevel = gzip.NoCompression
	MaxLevel = gzip.BestCompression
)

var (
	ErrFileExists    = errors.New("archive: file already exists")
	ErrFileNotFound  = errors.New("archive: file not found")
	ErrFrameTooLarge = errors.New("archive: frame exceeds maximum length")
)

// ResolvePath appends ".gz" to paths without an extension.
func ResolvePath(path string) string {
	if filepath.Ext(path) == "" {
		return path + ".gz"
	}
	return path
}

// FrameLen is the number of bytes AppendFrame adds for r.
func FrameLen(r record.Record) int {
	return FrameHeaderLen + record.EncodedLen(r)
}

// AppendFrame appends the length-prefixed encoding of r to dst.
func AppendFrame(dst []byte, r record.Record) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(record.EncodedLen(r)))
	return record.Append(dst, r)
}

// ValidateLevel reports whether level is a usable compression level.
func ValidateLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("archive: compression level %d out of range [%d,%d]", level, MinLevel, MaxLevel)
	}
	return nil
}
