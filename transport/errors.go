package transport

import "fmt"

// ErrInvalidMaxIdleConns reports an invalid idle connection bound
func ErrInvalidMaxIdleConns(n int) error {
	return fmt.Errorf("transport: invalid max idle conns per host: %d (must be >= 0)", n)
}
