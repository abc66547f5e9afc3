//go:build !linux

package sandbox

import "errors"

func setLockedMemoryLimit(int, uint64) error {
	return errors.New("locked memory limits are only enforced on linux")
}
