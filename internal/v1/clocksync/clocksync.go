// Package clocksync implements the ntp:ping handshake from spec.md §4.1,
// letting clients estimate their clock offset against the server
// (Cristian's algorithm): offset = ((t1-t0)+(t2-t3))/2, using the sample
// with the lowest round trip.
package clocksync

import "time"

// Pong is the acknowledgment to an ntp:ping request.
type Pong struct {
	T0 int64 `json:"t0" codec:"t0"`
	T1 int64 `json:"t1" codec:"t1"`
	T2 int64 `json:"t2" codec:"t2"`
}

// Ping answers an ntp:ping carrying the client's t0. t1 and t2 bracket the
// handler's own execution; the contract only requires t1 <= t2.
func Ping(t0 int64) Pong {
	t1 := time.Now().UnixMilli()
	t2 := time.Now().UnixMilli()
	if t2 < t1 {
		t2 = t1
	}
	return Pong{T0: t0, T1: t1, T2: t2}
}
