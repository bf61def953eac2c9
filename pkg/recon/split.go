package recon

import (
	"fmt"
	"math"
)

// BasisPoints expresses a ratio in hundredths of a percent (8000 = 80%)
type BasisPoints int64

const (
	fullShare BasisPoints = 10000

	// DefaultPayeeShare is the racer's share of a one-time payment
	DefaultPayeeShare BasisPoints = 8000
)

// Valid reports whether bp lies in [0, 100%]
func (bp BasisPoints) Valid() bool {
	return bp >= 0 && bp <= fullShare
}

// Split divides total between payee and platform.
// payee = round(total * share), half away from zero; the platform absorbs the
// remainder so payee + platform == total for every input.
func Split(total int64, share BasisPoints) (payee, platform int64, err error) {
	if !share.Valid() {
		return 0, 0, fmt.Errorf("%w: payee share %d out of range", ErrInvalidConfig, share)
	}
	if total < 0 || total > math.MaxInt64/int64(fullShare) {
		return 0, 0, fmt.Errorf("%w: amount %d out of range", ErrInvalidEvent, total)
	}

	num := total * int64(share)
	payee = num / int64(fullShare)
	if rem := num % int64(fullShare); rem*2 >= int64(fullShare) {
		payee++
	}
	return payee, total - payee, nil
}
