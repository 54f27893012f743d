// Package privilege temporarily drops the process's effective identity to a
// tenant account for filesystem writes under the tenant's docroot. The drop
// is scoped: callers defer Restore immediately so original privilege comes
// back on every exit path.
package privilege

import (
	"fmt"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// Dropped holds the identity to restore. Obtain it from Drop and defer
// Restore right away.
type Dropped struct {
	origEUID int
	origEGID int
	restored bool
}

// Drop switches the calling thread's effective uid/gid to the given identity.
// The OS thread is locked for the duration so the goroutine cannot migrate
// onto a thread with different credentials.
func Drop(uid, gid int) (*Dropped, error) {
	runtime.LockOSThread()
	d := &Dropped{origEUID: unix.Geteuid(), origEGID: unix.Getegid()}

	if gid != d.origEGID {
		if err := syscall.Setegid(gid); err != nil {
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("setegid %d: %w", gid, err)
		}
	}
	if uid != d.origEUID {
		if err := syscall.Seteuid(uid); err != nil {
			// Roll the gid back before giving up the thread.
			_ = syscall.Setegid(d.origEGID)
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("seteuid %d: %w", uid, err)
		}
	}
	return d, nil
}

// Restore reinstates the original effective identity. Safe to call more than
// once; only the first call acts.
func (d *Dropped) Restore() error {
	if d.restored {
		return nil
	}
	d.restored = true
	defer runtime.UnlockOSThread()

	// uid first: gid changes require the original uid's privilege.
	if err := syscall.Seteuid(d.origEUID); err != nil {
		return fmt.Errorf("restore euid %d: %w", d.origEUID, err)
	}
	if err := syscall.Setegid(d.origEGID); err != nil {
		return fmt.Errorf("restore egid %d: %w", d.origEGID, err)
	}
	return nil
}
