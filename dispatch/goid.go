package dispatch

import "runtime"

// goroutineID returns the current goroutine's ID as printed in the stack header ("goroutine NNN [").
// It is only used to recognize the affinity goroutine.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
