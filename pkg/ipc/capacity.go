package ipc

// capacityGate caps the number of concurrent long-lived clients on one
// gateway surface. Room sockets and event streams each get their own gate so
// a flood of observers cannot starve chat connections. Zero or negative
// capacity means unbounded.
type capacityGate struct {
	slots chan struct{}
}

func newCapacityGate(capacity int) *capacityGate {
	g := &capacityGate{}
	if capacity > 0 {
		g.slots = make(chan struct{}, capacity)
	}
	return g
}

// Acquire claims a slot without blocking. A full gate rejects the caller so
// the handshake answers 429 instead of queueing the upgrade.
func (g *capacityGate) Acquire() bool {
	if g == nil || g.slots == nil {
		return true
	}
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot claimed by Acquire.
func (g *capacityGate) Release() {
	if g == nil || g.slots == nil {
		return
	}
	select {
	case <-g.slots:
	default:
	}
}

// InUse reports how many slots are currently claimed.
func (g *capacityGate) InUse() int {
	if g == nil || g.slots == nil {
		return 0
	}
	return len(g.slots)
}
