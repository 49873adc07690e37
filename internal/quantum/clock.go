package quantum

import "time"

// nowMicros32 returns the current wall clock as a 32-bit microsecond
// counter, wrapping roughly every 71 minutes. This is the unit every wire
// timestamp field uses, and every local delay computation must stay in the
// same wrapped space to produce meaningful differences against a peer's
// stamped values.
func nowMicros32() uint32 {
	return uint32(time.Now().UnixNano() / int64(time.Microsecond))
}

// nowMicros widens nowMicros32 to int64 for use in the delay controller's
// arithmetic, which needs a signed type but must stay in the same wrapped
// 32-bit space as the wire format.
func nowMicros() int64 {
	return int64(nowMicros32())
}
