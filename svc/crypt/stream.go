package crypt

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Blob format: magic(4) || prefix(16) || segments. Each segment holds up to
// SegmentSize plaintext bytes sealed with nonce prefix||counter(7)||last(1),
// so reordering, truncation and appending all fail authentication.

const (
	SegmentSize = 64 * 1024
	prefixSize  = 16
	counterSize = 7
	headerSize  = 4 + prefixSize // len(streamMagic)
	maxCounter  = 1<<(8*counterSize) - 1
)

var (
	streamMagic  = []byte("CXS1")
	ErrTruncated = errors.New("encrypted stream truncated")
)

// EncryptedSize is the blob size for plain bytes of content.
func EncryptedSize(plain int64) int64 {
	segs := plain / SegmentSize
	if plain%SegmentSize != 0 || plain == 0 {
		segs++
	}
	return int64(headerSize) + plain + segs*TagSize
}

type streamNonce struct {
	buf     [chacha20poly1305.NonceSizeX]byte
	counter uint64
}

func (n *streamNonce) next(last bool) ([]byte, error) {
	if n.counter > maxCounter {
		return nil, errors.New("stream too long")
	}
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], n.counter)
	copy(n.buf[prefixSize:prefixSize+counterSize], c[1:])
	n.buf[len(n.buf)-1] = 0
	if last {
		n.buf[len(n.buf)-1] = 1
	}
	n.counter++
	return n.buf[:], nil
}

type writer struct {
	dst    io.Writer
	aead   cipher.AEAD
	nonce  streamNonce
	buf    []byte
	out    []byte
	closed bool
}

// NewWriter returns a WriteCloser that encrypts into dst. Close must be
// called to emit the final segment.
func NewWriter(dst io.Writer, key []byte) (io.WriteCloser, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	w := &writer{
		dst:  dst,
		aead: aead,
		buf:  make([]byte, 0, SegmentSize),
		out:  make([]byte, 0, SegmentSize+TagSize),
	}
	if _, err := rand.Read(w.nonce.buf[:prefixSize]); err != nil {
		return nil, errors.Wrap(err, "rand fail")
	}
	header := append(append([]byte(nil), streamMagic...), w.nonce.buf[:prefixSize]...)
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed stream")
	}
	n := 0
	for len(p) > 0 {
		if len(w.buf) == SegmentSize {
			if err := w.flush(false); err != nil {
				return n, err
			}
		}
		c := copy(w.buf[len(w.buf):SegmentSize], p)
		w.buf = w.buf[:len(w.buf)+c]
		p = p[c:]
		n += c
	}
	return n, nil
}

func (w *writer) flush(last bool) error {
	nonce, err := w.nonce.next(last)
	if err != nil {
		return err
	}
	w.out = w.aead.Seal(w.out[:0], nonce, w.buf, nil)
	w.buf = w.buf[:0]
	_, err = w.dst.Write(w.out)
	return err
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.flush(true)
	Wipe(w.buf[:cap(w.buf)])
	return err
}

type reader struct {
	src   *bufio.Reader
	aead  cipher.AEAD
	nonce streamNonce
	ct    []byte
	plain []byte
	pos   int
	done  bool
	err   error
}

// NewReader decrypts a stream produced by NewWriter. Any tampering surfaces
// as ErrAuthFailed or ErrTruncated from Read.
func NewReader(src io.Reader, key []byte) (io.Reader, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(src, SegmentSize+TagSize)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, ErrTruncated
	}
	if string(header[:len(streamMagic)]) != string(streamMagic) {
		return nil, ErrAuthFailed
	}
	r := &reader{
		src:  br,
		aead: aead,
		ct:   make([]byte, SegmentSize+TagSize),
	}
	copy(r.nonce.buf[:prefixSize], header[len(streamMagic):])
	return r, nil
}

func (r *reader) Read(p []byte) (int, error) {
	for r.pos == len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}
	n := copy(p, r.plain[r.pos:])
	r.pos += n
	return n, nil
}

func (r *reader) next() error {
	n, err := io.ReadFull(r.src, r.ct)
	last := false
	switch err {
	case nil:
		if _, perr := r.src.Peek(1); perr == io.EOF {
			last = true
		} else if perr != nil {
			return perr
		}
	case io.ErrUnexpectedEOF:
		last = true
	case io.EOF:
		return ErrTruncated
	default:
		return err
	}
	if n < TagSize {
		return ErrTruncated
	}
	nonce, nerr := r.nonce.next(last)
	if nerr != nil {
		return nerr
	}
	plain, oerr := r.aead.Open(r.plain[:0], nonce, r.ct[:n], nil)
	if oerr != nil {
		return ErrAuthFailed
	}
	r.plain, r.pos = plain, 0
	r.done = last
	return nil
}
