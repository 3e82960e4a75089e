package bus

import "sync/atomic"

func incU64(p *uint64) { atomic.AddUint64(p, 1) }

func loadU64(p *uint64) uint64 { return atomic.LoadUint64(p) }
