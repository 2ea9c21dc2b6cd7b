package cache

import "fmt"

// Predefined errors
var (
	// ErrInvalidDir is returned when the cache directory is not configured
	ErrInvalidDir = fmt.Errorf("cache: dir is required")
	// ErrBadMagic is returned when an on-disk entry does not start with the
	// expected magic number
	ErrBadMagic = fmt.Errorf("cache: bad magic number")
	// ErrCorruptEntry is returned when an on-disk entry cannot be decoded
	ErrCorruptEntry = fmt.Errorf("cache: corrupt entry")
)

// Error constructors

// ErrWriteEntry wraps a failure to persist an entry
func ErrWriteEntry(key string, err error) error {
	return fmt.Errorf("cache: write entry %q: %w", key, err)
}

// ErrReadEntry wraps a failure to load an entry
func ErrReadEntry(key string, err error) error {
	return fmt.Errorf("cache: read entry %q: %w", key, err)
}

// ErrInitialize wraps a failure to prepare the cache directory
func ErrInitialize(dir string, err error) error {
	return fmt.Errorf("cache: initialize %q: %w", dir, err)
}

// ErrBadJanitorSpec wraps an invalid janitor cron spec
func ErrBadJanitorSpec(spec string, err error) error {
	return fmt.Errorf("cache: invalid janitor spec %q: %w", spec, err)
}
