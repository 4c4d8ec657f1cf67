package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

// Reader iterates over the frames of an archive file.
type Reader struct {
	f    *os.File
	cnt  *countingReader
	zr   *gzip.Reader
	size int64
	hdr  [FrameHeaderLen]byte
}

// Open opens an archive for reading. A zero-length file is an empty archive.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &Reader{f: f, cnt: &countingReader{r: f}, size: st.Size()}
	if r.size == 0 {
		return r, nil
	}
	r.zr, err = gzip.NewReader(bufio.NewReaderSize(r.cnt, 1<<20))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("archive: %s: %w", path, err)
	}
	return r, nil
}

// Next returns the payload of the next frame.
//
// io.EOF means the stream ended on a frame boundary. io.ErrUnexpectedEOF
// means the stream ends inside a frame (or the gzip stream itself is cut
// short); everything returned before it is intact. Any other error means
// the stream is corrupt.
func (r *Reader) Next() ([]byte, error) {
	if r.zr == nil {
		return nil, io.EOF
	}
	if _, err := io.ReadFull(r.zr, r.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(r.hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.zr, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Size is the compressed file size.
func (r *Reader) Size() int64 { return r.size }

// BytesRead returns how many compressed bytes were consumed from the file.
func (r *Reader) BytesRead() int64 { return r.cnt.n.Load() }

func (r *Reader) Close() error {
	if r.zr != nil {
		_ = r.zr.Close()
	}
	return r.f.Close()
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
