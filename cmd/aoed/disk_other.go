//go:build !linux

package main

// openDisk opens the image file at path.  Block devices are only served on
// Linux.
func openDisk(path string, readOnly bool) (*servedDisk, error) {
	return openImage(path, readOnly)
}
