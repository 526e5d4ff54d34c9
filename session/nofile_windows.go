//go:build windows

package session

// setNoFile is a no-op on Windows: there's no POSIX rlimit to raise,
// and the handle-table ceiling isn't per-process-adjustable the same
// way.
func setNoFile(n int) error {
	return nil
}
