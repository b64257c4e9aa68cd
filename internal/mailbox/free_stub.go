//go:build !linux

package mailbox

import "errors"

// Free is only implemented for linux hosts.
func (s *Store) Free() (uint64, error) {
	return 0, errors.ErrUnsupported
}
