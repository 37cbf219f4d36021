package wsproto

// ErrorAck is the failure shape shared by every request/ack pair in
// spec.md §6 (`{ok:false, error, retryAfterMs?}`).
type ErrorAck struct {
	OK           bool   `codec:"ok"`
	Error        string `codec:"error"`
	RetryAfterMs int64  `codec:"retryAfterMs,omitempty"`
}

// NewErrorAck builds an ErrorAck with ok:false.
func NewErrorAck(errCode string) ErrorAck {
	return ErrorAck{OK: false, Error: errCode}
}

// NewRateLimitedAck builds the rate_limited variant carrying retryAfterMs.
func NewRateLimitedAck(retryAfterMs int64) ErrorAck {
	return ErrorAck{OK: false, Error: "rate_limited", RetryAfterMs: retryAfterMs}
}
