//go:build !linux

package device

func allocPinned(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return make([]byte, size), nil
}

func freePinned([]byte) {}
