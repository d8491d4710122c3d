//go:build !unix

package experience

// NewFileLocker falls back to an in-process mutex on platforms without
// flock; concurrent writer processes are not excluded there.
func NewFileLocker(logPath string) Locker {
	return &MutexLocker{}
}
