//go:build linux

package mailbox

import "golang.org/x/sys/unix"

// Free reports the bytes available to unprivileged writers on the
// filesystem holding the store.
func (s *Store) Free() (uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(s.dir, &fs); err != nil {
		return 0, err
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}
