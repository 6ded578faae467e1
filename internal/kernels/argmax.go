package kernels

import (
	"math"
	"sync/atomic"
)

// PackArgmax packs a score and token id as float bits << 32 | id.
func PackArgmax(score float32, id uint32) uint64 {
	return uint64(math.Float32bits(score))<<32 | uint64(id)
}

func UnpackArgmax(packed uint64) (score float32, id uint32) {
	return math.Float32frombits(uint32(packed >> 32)), uint32(packed)
}

// ArgmaxBetter reports whether a beats b: a higher score, or an equal score
// with a lower id. The sentinel loses to everything; a NaN score loses to
// every other candidate except the sentinel.
func ArgmaxBetter(a, b uint64) bool {
	if a == ArgmaxSentinel {
		return false
	}
	if b == ArgmaxSentinel {
		return true
	}
	sa, ia := UnpackArgmax(a)
	sb, ib := UnpackArgmax(b)
	if isNaN(sa) {
		return false
	}
	if isNaN(sb) {
		return true
	}
	return sa > sb || (sa == sb && ia < ib)
}

func isNaN(f float32) bool { return f != f }

func atomicArgmax(slot *uint64, candidate uint64) {
	for {
		cur := atomic.LoadUint64(slot)
		if !ArgmaxBetter(candidate, cur) {
			return
		}
		if atomic.CompareAndSwapUint64(slot, cur, candidate) {
			return
		}
	}
}
