//go:build !windows

package session

import "golang.org/x/sys/unix"

// setNoFile raises the process's open-file-descriptor limit to n,
// best-effort up to the kernel hard limit, so a session with many
// torrents and peers doesn't start failing file/socket opens midway
// through a run.
func setNoFile(n int) error {
	if n <= 0 {
		return nil
	}
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	want := uint64(n)
	if want <= rlimit.Cur {
		return nil
	}
	if rlimit.Max < want {
		want = rlimit.Max
	}
	rlimit.Cur = want
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}
