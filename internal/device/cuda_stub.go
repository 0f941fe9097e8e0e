//go:build !cuda

package device

import "errors"

var errCUDAUnavailable = errors.New("cuda device is not available in this build")

func cudaAvailable() bool { return false }

func openCUDA(int) (Device, error) {
	return nil, errCUDAUnavailable
}
