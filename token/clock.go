package token

import (
	"time"
)

// DefaultRefreshThreshold is how long before expiry a refresh is due.
const DefaultRefreshThreshold = 5 * time.Minute

// Clock answers validity and refresh-timing questions about raw tokens.
type Clock struct {
	decoder   Decoder
	threshold time.Duration
}

type ClockOption func(*Clock)

func WithDecoder(d Decoder) ClockOption {
	return func(c *Clock) {
		c.decoder = d
	}
}

func WithThreshold(threshold time.Duration) ClockOption {
	return func(c *Clock) {
		c.threshold = threshold
	}
}

func NewClock(options ...ClockOption) *Clock {
	c := &Clock{}
	for _, opt := range options {
		opt(c)
	}
	if c.decoder == nil {
		c.decoder = Unverified
	}
	if c.threshold <= 0 {
		c.threshold = DefaultRefreshThreshold
	}
	return c
}

func (c *Clock) Threshold() time.Duration {
	return c.threshold
}

// Decode runs the configured decoder.
func (c *Clock) Decode(raw string) (*Claims, error) {
	return c.decoder.Decode(raw)
}

// IsValid is true iff the token decodes and its expiry is after now. It never fails.
func (c *Clock) IsValid(raw string, now time.Time) bool {
	claims, err := c.decoder.Decode(raw)
	if err != nil {
		return false
	}
	return claims.Expiry.UnixMilli() > now.UnixMilli()
}

// UntilRefresh returns exp - now - threshold. Zero or negative means refresh now.
func (c *Clock) UntilRefresh(raw string, now time.Time) (time.Duration, error) {
	claims, err := c.decoder.Decode(raw)
	if err != nil {
		return 0, err
	}
	return claims.Expiry.Sub(now) - c.threshold, nil
}

// MillisUntilRefresh is exp*1000 - now - threshold in milliseconds.
// An undecodable token yields -threshold so callers refresh immediately.
func (c *Clock) MillisUntilRefresh(raw string, now time.Time, threshold time.Duration) int64 {
	claims, err := c.decoder.Decode(raw)
	if err != nil {
		return -threshold.Milliseconds()
	}
	return claims.Expiry.UnixMilli() - now.UnixMilli() - threshold.Milliseconds()
}
