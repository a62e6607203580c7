//go:build unix

package platform

import (
	"fmt"
	"os"
	"syscall"
)

// Dup returns an independent descriptor for the file behind f.
func Dup(f *os.File) (*os.File, error) {
	sc, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("platform: dup %s: %w", f.Name(), err)
	}
	var (
		fd     int
		dupErr error
	)
	if err := sc.Control(func(raw uintptr) {
		fd, dupErr = syscall.Dup(int(raw))
	}); err != nil {
		return nil, fmt.Errorf("platform: dup %s: %w", f.Name(), err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("platform: dup %s: %w", f.Name(), dupErr)
	}
	syscall.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), f.Name()), nil
}
