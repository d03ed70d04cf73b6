//go:build !(linux || darwin || freebsd)

package buffer

import "errors"

// Mapped is unavailable on this platform
type Mapped struct{ Memory }

// NewMapped reports that shared mappings are not supported here
func NewMapped(size int64) (*Mapped, error) {
	return nil, errors.New("shared mappings are not supported on this platform")
}
