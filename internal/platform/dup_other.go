//go:build !unix

package platform

import (
	"fmt"
	"os"
)

// Dup returns an independent descriptor for the file behind f by opening
// its path again.
func Dup(f *os.File) (*os.File, error) {
	dup, err := os.Open(f.Name())
	if err != nil {
		return nil, fmt.Errorf("platform: dup %s: %w", f.Name(), err)
	}
	return dup, nil
}
