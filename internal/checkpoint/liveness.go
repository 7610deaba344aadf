package checkpoint

import (
	"os"

	"golang.org/x/sys/unix"
)

// Prober answers whether a recorded owner process is still alive, without
// disturbing it. Used to distinguish "in progress elsewhere" from
// "abandoned, safe to resume".
type Prober interface {
	Alive(o Owner) bool
}

// PIDProber probes with a null signal (kill -0). EPERM still means the
// process exists; only ESRCH means it is gone.
type PIDProber struct{}

func (PIDProber) Alive(o Owner) bool {
	if o.PID <= 0 {
		return false
	}
	if host, err := os.Hostname(); err == nil && o.Hostname != "" && o.Hostname != host {
		// The store is single-volume; a foreign hostname means a stale
		// marker we cannot probe. Treat as dead.
		return false
	}
	err := unix.Kill(o.PID, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
