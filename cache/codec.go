package cache

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic prefixes every cache file and doubles as the format version guard.
// Any change to the on-disk layout requires a new magic number.
const Magic uint32 = 0x20150306

// maxStringBytes bounds a single length-prefixed string so that a corrupt
// length field cannot trigger a huge allocation.
const maxStringBytes = 1 << 30

// cacheHeader is the on-disk metadata preceding an entry's body. The body
// bytes follow the header contiguously to end-of-file.
//
// Layout, all integers little-endian:
//
//	u32 magic
//	string key            (u64 length + UTF-8 bytes)
//	string etag           (empty string encodes "no etag")
//	u64 serverDate
//	u64 lastModified
//	u64 ttl
//	u64 softTTL
//	u32 header count, then count * (string name + string value)
type cacheHeader struct {
	// size is the total file size in bytes (header + body); not serialized
	size int64

	key             string
	etag            string
	serverDate      int64
	lastModified    int64
	ttl             int64
	softTTL         int64
	responseHeaders map[string]string
}

func newCacheHeader(key string, e *Entry) *cacheHeader {
	return &cacheHeader{
		key:             key,
		etag:            e.ETag,
		serverDate:      e.ServerDate,
		lastModified:    e.LastModified,
		ttl:             e.TTL,
		softTTL:         e.SoftTTL,
		responseHeaders: e.ResponseHeaders,
	}
}

// toEntry builds a full cache entry around the given body
func (h *cacheHeader) toEntry(data []byte) *Entry {
	return &Entry{
		Data:            data,
		ETag:            h.etag,
		ServerDate:      h.serverDate,
		LastModified:    h.lastModified,
		TTL:             h.ttl,
		SoftTTL:         h.softTTL,
		ResponseHeaders: h.responseHeaders,
	}
}

// write serializes the header to w
func (h *cacheHeader) write(w io.Writer) error {
	if err := writeUint32(w, Magic); err != nil {
		return err
	}
	if err := writeString(w, h.key); err != nil {
		return err
	}
	if err := writeString(w, h.etag); err != nil {
		return err
	}
	for _, v := range []int64{h.serverDate, h.lastModified, h.ttl, h.softTTL} {
		if err := writeUint64(w, uint64(v)); err != nil {
			return err
		}
	}
	if err := writeUint32(w, uint32(len(h.responseHeaders))); err != nil {
		return err
	}
	for name, value := range h.responseHeaders {
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := writeString(w, value); err != nil {
			return err
		}
	}
	return nil
}

// readCacheHeader decodes a header from r and returns it together with the
// number of bytes consumed, so callers can derive the body length from the
// file size.
func readCacheHeader(r io.Reader) (*cacheHeader, int64, error) {
	cr := &countingReader{r: r}

	magic, err := readUint32(cr)
	if err != nil {
		return nil, cr.n, err
	}
	if magic != Magic {
		return nil, cr.n, ErrBadMagic
	}

	h := &cacheHeader{}
	if h.key, err = readString(cr); err != nil {
		return nil, cr.n, err
	}
	if h.etag, err = readString(cr); err != nil {
		return nil, cr.n, err
	}
	for _, dst := range []*int64{&h.serverDate, &h.lastModified, &h.ttl, &h.softTTL} {
		v, err := readUint64(cr)
		if err != nil {
			return nil, cr.n, err
		}
		*dst = int64(v)
	}

	count, err := readUint32(cr)
	if err != nil {
		return nil, cr.n, err
	}
	h.responseHeaders = make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(cr)
		if err != nil {
			return nil, cr.n, err
		}
		value, err := readString(cr)
		if err != nil {
			return nil, cr.n, err
		}
		h.responseHeaders[name] = value
	}
	return h, cr.n, nil
}

// countingReader tracks how many bytes have been consumed from r
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	if n > maxStringBytes {
		return "", fmt.Errorf("%w: string length %d", ErrCorruptEntry, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
