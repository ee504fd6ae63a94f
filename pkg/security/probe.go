package security

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/polisai/polis-roots/pkg/domain"
)

// DefaultProbeTimeout bounds filesystem probes when no timeout is configured.
const DefaultProbeTimeout = 2 * time.Second

const probePattern = ".polis-roots-probe-*"

// ProbeError explains why a filesystem probe failed. Code is either
// domain.CodeWriteDenied (the OS refused) or domain.CodeFilesystemFault (the
// check itself could not be completed).
type ProbeError struct {
	Path string
	Code domain.RejectionCode
	Err  error
}

func (e *ProbeError) Error() string {
	if e.Code == domain.CodeWriteDenied {
		return fmt.Sprintf("write permission denied for %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("could not check %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// runBounded executes fn in its own goroutine and abandons it when ctx is done
// or timeout elapses, so a hung filesystem cannot block the caller.
func runBounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProbeWritable confirms dir accepts new files by creating and removing a
// marker file. A missing dir is probed through its nearest existing ancestor.
func ProbeWritable(ctx context.Context, dir string, timeout time.Duration) error {
	err := runBounded(ctx, timeout, func() error {
		return writeMarker(dir)
	})
	if err == nil {
		return nil
	}

	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return probeErr
	}
	return &ProbeError{Path: dir, Code: domain.CodeFilesystemFault, Err: fmt.Errorf("write probe aborted: %w", err)}
}

// nearestExisting walks up from dir to the first component that exists, so a
// directory that has not been created yet is judged by the parent it would be
// created in.
func nearestExisting(dir string) (string, fs.FileInfo, error) {
	current := dir
	for {
		info, err := os.Stat(current)
		if err == nil {
			return current, info, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return current, nil, err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current, nil, err
		}
		current = parent
	}
}

func writeMarker(dir string) error {
	target, info, err := nearestExisting(dir)
	if err != nil {
		return classifyFSError(dir, err)
	}
	if !info.IsDir() {
		return &ProbeError{Path: dir, Code: domain.CodeFilesystemFault, Err: fmt.Errorf("%s is not a directory", target)}
	}

	f, err := os.CreateTemp(target, probePattern)
	if err != nil {
		return classifyFSError(dir, err)
	}
	name := f.Name()
	closeErr := f.Close()
	removeErr := os.Remove(name)
	if closeErr != nil {
		return &ProbeError{Path: dir, Code: domain.CodeFilesystemFault, Err: closeErr}
	}
	if removeErr != nil {
		return &ProbeError{Path: dir, Code: domain.CodeFilesystemFault, Err: removeErr}
	}
	return nil
}

func classifyFSError(dir string, err error) *ProbeError {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS) {
		return &ProbeError{Path: dir, Code: domain.CodeWriteDenied, Err: err}
	}
	return &ProbeError{Path: dir, Code: domain.CodeFilesystemFault, Err: err}
}

// EnsureDirectory creates dir (and parents) if absent. It is idempotent and
// bounded by timeout.
func EnsureDirectory(ctx context.Context, dir string, timeout time.Duration) error {
	err := runBounded(ctx, timeout, func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return classifyFSError(dir, err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return probeErr
	}
	return &ProbeError{Path: dir, Code: domain.CodeFilesystemFault, Err: fmt.Errorf("create directory aborted: %w", err)}
}

// DirectoryExists reports whether dir exists and is a directory. It is bounded
// by timeout and reports false on any failure.
func DirectoryExists(ctx context.Context, dir string, timeout time.Duration) bool {
	err := runBounded(ctx, timeout, func() error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return errors.New("not a directory")
		}
		return nil
	})
	return err == nil
}
