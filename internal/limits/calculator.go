package limits

import (
	"math/rand/v2"
)

// requestsPerStep is how many successful uses raise the dynamic limit by one.
const requestsPerStep = 6

type Calculator struct {
	intN func(n int) int
}

func NewCalculator() *Calculator {
	return &Calculator{intN: rand.IntN}
}

// Effective caps base by the lease's usage history. New leases start at one
// request and gain one per requestsPerStep uses.
func Effective(base, counter int) int {
	if base <= 0 {
		return base
	}
	earned := counter / requestsPerStep
	if earned < 1 {
		earned = 1
	}
	if earned < base {
		return earned
	}
	return base
}

// Limit returns the per-type quota for a lease. With dynamic limits off, or a
// base without a quota, the base is returned unchanged. Otherwise a value is
// drawn uniformly from [effective/2, effective] and floored at one.
func (c *Calculator) Limit(base, counter int, dynamic bool) int {
	if !dynamic || base <= 0 {
		return base
	}

	effective := Effective(base, counter)
	low := effective / 2
	limit := low + c.intN(effective-low+1)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Limits applies Limit to every parsing type of a network.
func (c *Calculator) Limits(base map[string]int, counter int, dynamic bool) map[string]int {
	out := make(map[string]int, len(base))
	for title, limit := range base {
		out[title] = c.Limit(limit, counter, dynamic)
	}
	return out
}
