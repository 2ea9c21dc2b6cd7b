package cache

import (
	"bytes"
	"container/list"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dailyyoga/httpq/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// hysteresisFactor is the fraction of the byte budget pruning shrinks to,
// so that consecutive puts do not each trigger a prune pass.
const hysteresisFactor = 0.9

// DiskCache is a Cache that persists entries as individual files in a
// directory. An in-memory index ordered by access recency backs pruning:
// once the byte budget is hit, least-recently-used entries are deleted
// until usage drops below budget * hysteresisFactor.
type DiskCache struct {
	logger   logger.Logger
	dir      string
	maxBytes int64

	mu        sync.Mutex
	entries   map[string]*list.Element // value: *cacheHeader
	order     *list.List               // front = least recently used
	totalSize int64
}

// New creates a DiskCache for the configured directory. Initialize must be
// called before use.
func New(log logger.Logger, cfg *Config) (*DiskCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &DiskCache{
		logger:   log,
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}, nil
}

// Initialize creates the cache directory if missing, otherwise scans every
// file in it and rebuilds the in-memory index. Files that fail to decode
// are deleted.
func (c *DiskCache) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.totalSize = 0

	if _, err := os.Stat(c.dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return ErrInitialize(c.dir, err)
		}
		return nil
	}

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return ErrInitialize(c.dir, err)
	}
	for _, de := range files {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		h, err := readHeaderFile(path)
		if err != nil {
			c.logger.Warn("dropping unreadable cache file",
				zap.String("file", path),
				zap.Error(err),
			)
			_ = os.Remove(path)
			continue
		}
		c.indexPutLocked(h.key, h)
	}

	c.logger.Info("disk cache initialized",
		zap.String("dir", c.dir),
		zap.Int("entries", len(c.entries)),
		zap.Int64("bytes", c.totalSize),
	)
	return nil
}

// Get returns the entry for key, or nil on a miss. The entry becomes the
// most recently used. Unreadable entries are removed and reported as a miss.
func (c *DiskCache) Get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	c.order.MoveToBack(elem)

	path := c.fileForKey(key)
	f, err := os.Open(path)
	if err != nil {
		c.dropCorruptLocked(key, path, err)
		return nil
	}
	defer f.Close()

	h, headerLen, err := readCacheHeader(f)
	if err != nil {
		c.dropCorruptLocked(key, path, err)
		return nil
	}
	// A filename collision surfaces as a key mismatch in the header.
	if h.key != key {
		c.dropCorruptLocked(key, path, ErrCorruptEntry)
		return nil
	}

	fi, err := f.Stat()
	if err != nil || fi.Size() < headerLen {
		c.dropCorruptLocked(key, path, ErrCorruptEntry)
		return nil
	}
	data := make([]byte, fi.Size()-headerLen)
	if _, err := io.ReadFull(f, data); err != nil {
		c.dropCorruptLocked(key, path, err)
		return nil
	}
	return h.toEntry(data)
}

// Put stores entry under key, pruning least-recently-used entries first if
// the byte budget would be exceeded. A failed write deletes the partial file
// and leaves the index without the entry.
func (c *DiskCache) Put(key string, entry *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(int64(len(entry.Data)))

	h := newCacheHeader(key, entry)
	var buf bytes.Buffer
	if err := h.write(&buf); err != nil {
		return ErrWriteEntry(key, err)
	}
	h.size = int64(buf.Len() + len(entry.Data))

	path := c.fileForKey(key)
	if err := writeEntryFile(path, buf.Bytes(), entry.Data); err != nil {
		_ = os.Remove(path)
		c.indexRemoveLocked(key)
		return ErrWriteEntry(key, err)
	}

	c.indexPutLocked(key, h)
	return nil
}

// Remove deletes the entry for key if it exists
func (c *DiskCache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key)
}

// Invalidate resets the entry's soft expiry, and with fullExpire the hard
// expiry as well, so the next lookup triggers a refresh or revalidation.
func (c *DiskCache) Invalidate(key string, fullExpire bool) {
	entry := c.Get(key)
	if entry == nil {
		return
	}
	entry.SoftTTL = 0
	if fullExpire {
		entry.TTL = 0
	}
	if err := c.Put(key, entry); err != nil {
		c.logger.Warn("failed to invalidate cache entry",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// Clear deletes every file in the cache directory and resets the index
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	files, err := os.ReadDir(c.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = multierr.Append(errs, err)
	}
	for _, de := range files {
		if err := os.Remove(filepath.Join(c.dir, de.Name())); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.totalSize = 0
	c.logger.Debug("cache cleared", zap.String("dir", c.dir))
	return errs
}

// SweepExpired removes every entry past its hard expiry and returns how
// many were removed. The janitor runs this on a schedule.
func (c *DiskCache) SweepExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	var expired []string
	for e := c.order.Front(); e != nil; e = e.Next() {
		h := e.Value.(*cacheHeader)
		if h.ttl < now {
			expired = append(expired, h.key)
		}
	}

	var errs error
	for _, key := range expired {
		if err := c.removeLocked(key); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return len(expired), errs
}

// Stats returns the number of indexed entries and their total size in bytes
func (c *DiskCache) Stats() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.totalSize
}

// fileForKey returns the path of the file backing key
func (c *DiskCache) fileForKey(key string) string {
	return filepath.Join(c.dir, filenameForKey(key))
}

// filenameForKey derives a pseudo-unique filename by hashing the two halves
// of the key separately. Collisions are tolerated: the on-disk header
// carries the key, and a mismatch on read is treated as corruption.
func filenameForKey(key string) string {
	half := len(key) / 2
	return strconv.Itoa(int(stringHash(key[:half]))) + strconv.Itoa(int(stringHash(key[half:])))
}

func stringHash(s string) int32 {
	var h int32
	for i := 0; i < len(s); i++ {
		h = 31*h + int32(s[i])
	}
	return h
}

// pruneLocked deletes least-recently-used entries until needed bytes fit
// under the budget with hysteresis headroom to spare
func (c *DiskCache) pruneLocked(needed int64) {
	if c.totalSize+needed < c.maxBytes {
		return
	}

	before := c.totalSize
	pruned := 0
	for e := c.order.Front(); e != nil; {
		h := e.Value.(*cacheHeader)
		next := e.Next()

		if err := os.Remove(c.fileForKey(h.key)); err == nil || errors.Is(err, fs.ErrNotExist) {
			c.totalSize -= h.size
		} else {
			c.logger.Warn("could not delete cache file",
				zap.String("key", h.key),
				zap.Error(err),
			)
		}
		c.order.Remove(e)
		delete(c.entries, h.key)
		pruned++

		if c.totalSize+needed < int64(float64(c.maxBytes)*hysteresisFactor) {
			break
		}
		e = next
	}

	if pruned > 0 {
		c.logger.Debug("pruned cache entries",
			zap.Int("files", pruned),
			zap.Int64("bytes_freed", before-c.totalSize),
		)
	}
}

// indexPutLocked records h as the most recently used entry for key
func (c *DiskCache) indexPutLocked(key string, h *cacheHeader) {
	if elem, ok := c.entries[key]; ok {
		old := elem.Value.(*cacheHeader)
		c.totalSize += h.size - old.size
		elem.Value = h
		c.order.MoveToBack(elem)
		return
	}
	c.entries[key] = c.order.PushBack(h)
	c.totalSize += h.size
}

// indexRemoveLocked drops key from the index
func (c *DiskCache) indexRemoveLocked(key string) {
	elem, ok := c.entries[key]
	if !ok {
		return
	}
	c.totalSize -= elem.Value.(*cacheHeader).size
	c.order.Remove(elem)
	delete(c.entries, key)
}

// removeLocked deletes the backing file and drops the index entry
func (c *DiskCache) removeLocked(key string) error {
	err := os.Remove(c.fileForKey(key))
	c.indexRemoveLocked(key)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// dropCorruptLocked logs and removes an entry that failed to load
func (c *DiskCache) dropCorruptLocked(key, path string, err error) {
	c.logger.Warn("dropping corrupt cache entry",
		zap.String("key", key),
		zap.String("file", path),
		zap.Error(err),
	)
	_ = c.removeLocked(key)
}

// readHeaderFile decodes the header of a cache file and fills in its size
// from the file length
func readHeaderFile(path string) (*cacheHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, _, err := readCacheHeader(f)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	h.size = fi.Size()
	return h, nil
}

// writeEntryFile writes header and body contiguously to path
func writeEntryFile(path string, header, body []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
