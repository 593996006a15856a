//go:build linux

package main

import (
	"os"
	"syscall"

	"github.com/mdlayher/block"
)

// openDisk opens path as a block device when it is one, and as an image
// file otherwise.
func openDisk(path string, readOnly bool) (*servedDisk, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return openImage(path, readOnly)
	}

	flag := syscall.O_RDWR
	if readOnly {
		flag = syscall.O_RDONLY
	}
	d, err := block.New(path, flag|syscall.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return newServedDisk(d)
}
