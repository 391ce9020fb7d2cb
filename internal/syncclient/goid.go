package syncclient

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID reads the id of the calling goroutine from its stack header,
// which starts with "goroutine <id> [".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(bytes.TrimPrefix(buf[:n], []byte("goroutine ")))
	if len(fields) == 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[0]), 10, 64)
	return id
}
