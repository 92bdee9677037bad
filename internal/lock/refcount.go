package locking

// used for table slots in the repository
// when the count reaches zero the slot's table is cleared and the slot freed

import (
	"fmt"
	"sync/atomic"
)

type RefCount struct {
	count int32
}

func NewRefCount() *RefCount {
	return &RefCount{count: 1}
}

// Inc adds a reference. It fails once the count has reached zero; a dead
// counter cannot be revived.
func (r *RefCount) Inc() bool {
	for {
		c := atomic.LoadInt32(&r.count)
		if c <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.count, c, c+1) {
			return true
		}
	}
}

// Dec drops a reference. zero reports whether this call took the count to
// zero; ok is false if the count was already zero.
func (r *RefCount) Dec() (zero bool, ok bool) {
	for {
		c := atomic.LoadInt32(&r.count)
		if c <= 0 {
			return false, false
		}
		if atomic.CompareAndSwapInt32(&r.count, c, c-1) {
			return c == 1, true
		}
	}
}

func (r *RefCount) Get() int32 {
	return atomic.LoadInt32(&r.count)
}

func (r *RefCount) String() string {
	return fmt.Sprintf("RefCount: %d", r.Get())
}
