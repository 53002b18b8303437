package hal

import "time"

// pollStep is the interval between register samples in WaitUntilSet and
// WaitUntilClr.
const pollStep = 8 * time.Microsecond

// PollUntil evaluates cond every interval until it returns true or
// maxTime has been spent waiting. The condition is always evaluated at
// least once and once more after the final delay.
func PollUntil(clock Clock, maxTime, interval time.Duration, cond func() bool) bool {
	if interval <= 0 {
		interval = pollStep
	}
	timer := maxTime / interval
	for !cond() {
		if timer <= 0 {
			return false
		}
		clock.Delay(interval)
		timer--
	}
	return true
}

// WaitUntilSet waits up to maxTime for all bits in mask to be set.
func WaitUntilSet(clock Clock, reg Reg32, mask uint32, maxTime time.Duration) bool {
	return PollUntil(clock, maxTime, pollStep, func() bool {
		return reg.Read()&mask == mask
	})
}

// WaitUntilClr waits up to maxTime for all bits in mask to be clear.
func WaitUntilClr(clock Clock, reg Reg32, mask uint32, maxTime time.Duration) bool {
	return PollUntil(clock, maxTime, pollStep, func() bool {
		return reg.Read()&mask == 0
	})
}
