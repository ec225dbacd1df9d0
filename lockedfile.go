package fcache

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockedFile couples an open file with an advisory flock on it.
//
// The lock never outlives the handle: closing the file releases it.
type lockedFile struct {
	f    *os.File
	path string
}

// openLocked opens path and blocks until the advisory lock is obtainable.
//
// The file is opened read-write even for shared locks so that an invalid
// entry can be truncated on platforms that refuse to unlink open files.
func openLocked(path string, exclusive, create bool, mode os.FileMode) (*lockedFile, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return nil, err
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()

		return nil, err
	}

	return &lockedFile{f: f, path: path}, nil
}

// upgrade converts a shared lock to exclusive, blocking on concurrent holders.
func (lf *lockedFile) upgrade() error {
	return unix.Flock(int(lf.f.Fd()), unix.LOCK_EX)
}

func (lf *lockedFile) unlock() error {
	return unix.Flock(int(lf.f.Fd()), unix.LOCK_UN)
}

// Close releases the lock together with the handle.
func (lf *lockedFile) Close() error {
	return lf.f.Close()
}

// touch refreshes the file's modification time, extending a sliding window.
func (lf *lockedFile) touch(t time.Time) error {
	return os.Chtimes(lf.path, t, t)
}

// remove deletes the backing file and closes the handle.
//
// A concurrent shared-lock reader keeps its open handle intact; when the
// platform refuses to unlink an open file, the content is invalidated by
// truncation under an exclusive lock before retrying the unlink.
func (lf *lockedFile) remove() error {
	err := os.Remove(lf.path)
	if err == nil || os.IsNotExist(err) {
		return lf.f.Close()
	}

	if upErr := lf.upgrade(); upErr == nil {
		_ = lf.f.Truncate(0)
		_ = lf.unlock()
	}

	rmErr := os.Remove(lf.path)
	closeErr := lf.f.Close()

	if rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}

	return closeErr
}

// removeFile unlinks a file that is not held open by this process, with the
// same truncate fallback as lockedFile.remove.
func removeFile(path string, mode os.FileMode) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}

	lf, lockErr := openLocked(path, true, false, mode)
	if lockErr != nil {
		if os.IsNotExist(lockErr) {
			return nil
		}

		return err
	}

	_ = lf.f.Truncate(0)
	_ = lf.unlock()

	if rmErr := os.Remove(lf.path); rmErr != nil && !os.IsNotExist(rmErr) {
		_ = lf.f.Close()

		return rmErr
	}

	return lf.f.Close()
}
