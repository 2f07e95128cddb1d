package chats

import (
	"sync/atomic"
	"time"
)

// VersionGenerator issues clock-based versions that strictly increase per
// process and always exceed the version they replace.
type VersionGenerator struct {
	clock func() time.Time
	last  atomic.Int64
}

func NewVersionGenerator(clock func() time.Time) *VersionGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &VersionGenerator{clock: clock}
}

// Next returns a version greater than current and than any version issued before.
func (g *VersionGenerator) Next(current int64) int64 {
	for {
		last := g.last.Load()
		candidate := g.clock().UnixMicro()
		if candidate <= current {
			candidate = current + 1
		}
		if candidate <= last {
			candidate = last + 1
		}
		if g.last.CompareAndSwap(last, candidate) {
			return candidate
		}
	}
}
