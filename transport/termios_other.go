//go:build !linux

package transport

import "fmt"

func openSerial(device string, baud int) (stream, error) {
	return nil, fmt.Errorf("%w: serial ports are only supported on linux", ErrUnavailable)
}
