package table

// Pending is the syscall correlation table: thread id to the start timestamp
// of its in-flight syscall. Nested syscalls are not modeled; the last Begin
// for a thread wins.
type Pending struct {
	b *bounded[uint64]
}

func NewPending(capacity, shards int) *Pending {
	return &Pending{b: newBounded[uint64](capacity, shards)}
}

func (p *Pending) Begin(tid uint32, ts uint64) bool {
	return p.b.insert(uint64(tid), func(v *uint64, _ bool) { *v = ts })
}

func (p *Pending) EndAndRemove(tid uint32) (uint64, bool) {
	var start uint64
	ok := p.b.take(uint64(tid), func(v *uint64) { start = *v })
	return start, ok
}

func (p *Pending) Len() int               { return p.b.len() }
func (p *Pending) Capacity() int          { return p.b.capacity() }
func (p *Pending) InsertFailures() uint64 { return p.b.insertFailures.Load() }
