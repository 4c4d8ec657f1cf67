package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

// Writer streams frames through a gzip compressor into a new file.
type Writer struct {
	path string
	f    *os.File
	cnt  *countingWriter
	buf  *bufio.Writer
	zw   *gzip.Writer
}

// CheckAbsent fails with ErrFileExists when path is already present.
func CheckAbsent(path string) error {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrFileExists, path)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return err
	}
}

// Create opens path exclusively; an existing file is never overwritten.
func Create(path string, level int) (*Writer, error) {
	if err := ValidateLevel(level); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return nil, err
	}
	cnt := &countingWriter{w: f}
	buf := bufio.NewWriterSize(cnt, 1<<20)
	zw, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{path: path, f: f, cnt: cnt, buf: buf, zw: zw}, nil
}

// Write compresses p into the archive.
func (w *Writer) Write(p []byte) (int, error) {
	return w.zw.Write(p)
}

// Close finalizes the gzip stream and closes the file. The file is closed
// even when finalizing fails.
func (w *Writer) Close() error {
	err := w.zw.Close()
	if err == nil {
		err = w.buf.Flush()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Path returns the file the writer was created for.
func (w *Writer) Path() string { return w.path }

// BytesWritten returns the compressed bytes that reached the file so far.
func (w *Writer) BytesWritten() int64 { return w.cnt.n.Load() }

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
