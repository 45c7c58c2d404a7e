// retry.go - Back-off policies.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides back-off policies for retransmission and for
// reconnecting transports.
package retry

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2

	// Fixed names the policy that never grows the delay.
	Fixed = "fixed"

	// Exponential names the policy that doubles the delay per attempt.
	Exponential = "exponential"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

// Policy is a back-off policy.
type Policy struct {
	// Kind is either Fixed or Exponential.
	Kind string

	// Base is the delay added for the first retry.
	Base time.Duration

	// Max caps the delay.
	Max time.Duration

	// Jitter is the jitter factor applied to the delay.
	Jitter float64
}

// Validate returns an error if the policy is unusable.
func (p *Policy) Validate() error {
	switch p.Kind {
	case Fixed, Exponential:
	default:
		return fmt.Errorf("%w: unknown kind '%s'", ErrInvalidPolicy, p.Kind)
	}
	if p.Base < 0 || p.Max < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidPolicy)
	}
	if p.Max < p.Base {
		return fmt.Errorf("%w: max delay %v below base %v", ErrInvalidPolicy, p.Max, p.Base)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("%w: jitter %v out of range", ErrInvalidPolicy, p.Jitter)
	}
	return nil
}

// Delay returns the back-off for the given zero based attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if p.Kind == Fixed {
		return Delay(p.Base, p.Base, p.Jitter, 0)
	}
	return Delay(p.Base, p.Max, p.Jitter, attempt)
}

// Delay returns base doubled attempt times, capped at maxDelay, and scaled by a
// random factor in [1-jitter, 1+jitter].
func Delay(base, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	d := float64(base) * math.Exp2(float64(attempt))
	d = math.Min(d, float64(maxDelay))
	if jitter > 0 {
		d *= 1 + jitter*(2*rand.NewMath().Float64()-1)
	}
	return time.Duration(d)
}

// transientErrors are lower case fragments of error strings that usually
// clear up on their own.
var transientErrors = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"no route to host",
	"network is unreachable",
	"temporary failure",
	"timed out",
	"timeout",
	"broken pipe",
	"eof",
}

// IsTransientError returns true if err looks like a network condition that
// a later attempt may not hit.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientErrors {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
