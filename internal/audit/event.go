package audit

import "time"

// TopicDenied is the stream that carries rate limit denials.
const TopicDenied = "ratelimit.denied"

// DenialEvent records one rejected request.
type DenialEvent struct {
	ID                string    `json:"id"`
	Identifier        string    `json:"identifier"`
	Category          string    `json:"category"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	ClientIP          string    `json:"clientIp"`
	UserAgent         string    `json:"userAgent,omitempty"`
	RequestID         string    `json:"requestId,omitempty"`
	Limit             int64     `json:"limit"`
	Current           int64     `json:"current"`
	RetryAfterSeconds int64     `json:"retryAfterSeconds"`
	OccurredAt        time.Time `json:"occurredAt"`
}
