package job

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Network is the network requirement of an upload.
type Network string

// BackoffType is the delay-growth strategy applied between retries.
type BackoffType string

const (
	NetworkAny           Network = "any"
	NetworkUnmeteredOnly Network = "unmetered_only"

	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

const (
	// DefaultBackoffInterval is the retry interval of DefaultPolicy.
	DefaultBackoffInterval = 30 * time.Second

	// DefaultRetryWindow is how long DefaultPolicy keeps retrying.
	DefaultRetryWindow = 48 * time.Hour

	// MaxBackoff caps the delay between two attempts.
	MaxBackoff = 5 * time.Hour
)

// now is replaced in tests
var now = time.Now

// Backoff describes how the delay between attempts grows.
type Backoff struct {
	Type     BackoffType
	Interval time.Duration
}

// Policy is the immutable per-job submission configuration. At most one of
// Deadline and MaxRetries is set; when neither is, retries are unbounded.
type Policy struct {
	Network Network
	Backoff Backoff

	// Deadline after which a failed attempt is not retried
	Deadline *time.Time

	// MaxRetries caps the number of retried attempts
	MaxRetries NullableInt
}

// DefaultPolicy returns a policy allowing any network, with exponential
// backoff, retrying for 48 hours.
func DefaultPolicy() Policy {
	deadline := now().Add(DefaultRetryWindow)
	return Policy{
		Network:  NetworkAny,
		Backoff:  Backoff{Type: BackoffExponential, Interval: DefaultBackoffInterval},
		Deadline: &deadline,
	}
}

// WithDeadline returns a copy of p that stops retrying after t.
func (p Policy) WithDeadline(t time.Time) Policy {
	p.Deadline = &t
	p.MaxRetries = NullableInt{}
	return p
}

// WithMaxRetries returns a copy of p that retries at most n times.
func (p Policy) WithMaxRetries(n int) Policy {
	p.Deadline = nil
	p.MaxRetries = NullableInt{}
	p.MaxRetries.Set(n)
	return p
}

// WithInfiniteRetries returns a copy of p that never stops retrying.
func (p Policy) WithInfiniteRetries() Policy {
	p.Deadline = nil
	p.MaxRetries = NullableInt{}
	return p
}

// Validate reports whether p is well formed.
func (p Policy) Validate() error {
	switch p.Network {
	case NetworkAny, NetworkUnmeteredOnly:
	default:
		return errors.Wrapf(ErrIllegalArgument, "unknown network constraint %q", p.Network)
	}
	switch p.Backoff.Type {
	case BackoffLinear, BackoffExponential:
	default:
		return errors.Wrapf(ErrIllegalArgument, "unknown backoff type %q", p.Backoff.Type)
	}
	if p.Backoff.Interval <= 0 {
		return errors.Wrap(ErrIllegalArgument, "backoff interval must be > 0")
	}
	if p.Deadline != nil && !p.MaxRetries.IsNil() {
		return errors.Wrap(ErrIllegalArgument, "deadline and max retries are mutually exclusive")
	}
	if !p.MaxRetries.IsNil() && p.MaxRetries.Value() < 0 {
		return errors.Wrap(ErrIllegalArgument, "max retries must not be negative")
	}
	return nil
}

// Eligible reports whether a failed job that has already completed attempts
// attempts may be retried.
func (p Policy) Eligible(attempts int) bool {
	if p.Deadline != nil && !now().Before(*p.Deadline) {
		return false
	}
	if !p.MaxRetries.IsNil() && attempts >= p.MaxRetries.Value() {
		return false
	}
	return true
}

// Delay returns how long to wait before running attempt number attempt
// (1-based) again.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Backoff.Type {
	case BackoffLinear:
		d = p.Backoff.Interval * time.Duration(attempt)
	default:
		d = p.Backoff.Interval
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= MaxBackoff {
				break
			}
		}
	}

	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

type policyJSON struct {
	Network         Network     `json:"network,omitempty"`
	BackoffType     BackoffType `json:"backoff_type,omitempty"`
	BackoffInterval int64       `json:"backoff_interval_ms,omitempty"`
	Deadline        *time.Time  `json:"deadline,omitempty"`
	MaxRetries      *int        `json:"max_retries,omitempty"`
	InfiniteRetries bool        `json:"infinite_retries,omitempty"`
}

// MarshalJSON encodes p.
func (p Policy) MarshalJSON() ([]byte, error) {
	out := policyJSON{
		Network:         p.Network,
		BackoffType:     p.Backoff.Type,
		BackoffInterval: p.Backoff.Interval.Milliseconds(),
		Deadline:        p.Deadline,
	}
	if !p.MaxRetries.IsNil() {
		n := p.MaxRetries.Value()
		out.MaxRetries = &n
	}
	out.InfiniteRetries = p.Deadline == nil && p.MaxRetries.IsNil()
	return json.Marshal(out)
}

// UnmarshalJSON populates p on top of DefaultPolicy(). Omitted fields keep
// their defaults.
func (p *Policy) UnmarshalJSON(b []byte) error {
	var in policyJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return errors.Wrap(ErrIllegalArgument, "malformed policy: "+err.Error())
	}

	set := 0
	for _, given := range []bool{in.Deadline != nil, in.MaxRetries != nil, in.InfiniteRetries} {
		if given {
			set++
		}
	}
	if set > 1 {
		return errors.Wrap(ErrIllegalArgument,
			"only one of deadline, max_retries and infinite_retries may be given")
	}

	np := DefaultPolicy()
	if in.Network != "" {
		np.Network = in.Network
	}
	if in.BackoffType != "" {
		np.Backoff.Type = in.BackoffType
	}
	if in.BackoffInterval != 0 {
		np.Backoff.Interval = time.Duration(in.BackoffInterval) * time.Millisecond
	}

	switch {
	case in.Deadline != nil:
		np = np.WithDeadline(*in.Deadline)
	case in.MaxRetries != nil:
		np = np.WithMaxRetries(*in.MaxRetries)
	case in.InfiniteRetries:
		np = np.WithInfiniteRetries()
	}

	if err := np.Validate(); err != nil {
		return err
	}
	*p = np
	return nil
}
