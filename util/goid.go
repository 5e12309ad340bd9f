package util

import (
	"bytes"
	"runtime"
	"strconv"
)

// Goid returns the calling goroutine's id. The runtime does not
// expose it, so parse the first stack trace line; the kernel uses it
// to identify lock holders and the current process.
func Goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 12 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		panic("goid: short stack header")
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		panic("goid: " + err.Error())
	}
	return id
}
