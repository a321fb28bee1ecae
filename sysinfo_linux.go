package main

import (
	"golang.org/x/sys/unix"
)

// kernelRelease returns "Linux <release>" from uname(2).
func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "linux"
	}
	return unix.ByteSliceToString(uts.Sysname[:]) + " " + unix.ByteSliceToString(uts.Release[:])
}
