package kernel

import (
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// LimitCategory is a resource tracked by a resource limit.
type LimitCategory uint32

const (
	LimitPriority LimitCategory = iota
	LimitCommit
	LimitThread
	LimitEvent
	LimitMutex
	LimitSemaphore
	LimitTimer
	LimitSharedMemory
	LimitAddressArbiter
	LimitCPUTime
	numLimits
)

var limitOfKind = map[Kind]LimitCategory{
	KindThread:         LimitThread,
	KindEvent:          LimitEvent,
	KindMutex:          LimitMutex,
	KindSemaphore:      LimitSemaphore,
	KindTimer:          LimitTimer,
	KindSharedMemory:   LimitSharedMemory,
	KindAddressArbiter: LimitAddressArbiter,
}

// ResourceLimit caps what a process may create.
type ResourceLimit struct {
	header

	max [numLimits]int64
}

// Max returns the limit of a category.
func (r *ResourceLimit) Max(c LimitCategory) int64 {
	if c >= numLimits {
		return 0
	}
	return r.max[c]
}

func (k *Kernel) createAppLimit() *ResourceLimit {
	r := &ResourceLimit{}
	r.max = [numLimits]int64{
		LimitPriority:       0x18,
		LimitCommit:         int64(k.cfg.AppMemoryMB) << 20,
		LimitThread:         32,
		LimitEvent:          32,
		LimitMutex:          32,
		LimitSemaphore:      8,
		LimitTimer:          8,
		LimitSharedMemory:   16,
		LimitAddressArbiter: 2,
		LimitCPUTime:        0,
	}
	k.register(r, KindResourceLimit, "application")
	return r
}

// current returns the amount of a category p currently uses.
func (k *Kernel) limitCurrent(p *Process, c LimitCategory) int64 {
	switch c {
	case LimitCommit:
		return int64(p.memoryUsed)
	case LimitPriority, LimitCPUTime:
		return 0
	}
	for kind, cat := range limitOfKind {
		if cat == c {
			return int64(p.counts[kind])
		}
	}
	return 0
}

// charge accounts one more object of kind to p, failing once the limit is hit.
// Objects created by the kernel itself are not charged.
func (k *Kernel) charge(p *Process, kind Kind) error {
	if p == nil {
		return nil
	}
	cat, ok := limitOfKind[kind]
	if ok && p.limit != nil && int64(p.counts[kind]) >= p.limit.max[cat] {
		return resourceErr("create "+kind.String(), result.LimitReached)
	}
	p.counts[kind]++
	return nil
}
