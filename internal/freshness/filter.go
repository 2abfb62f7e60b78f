package freshness

// Filter remembers the last accepted sequence marker. It has a single writer
// (the session loop) and is not safe for concurrent use.
type Filter struct {
	last int64
	set  bool
}

// New returns a filter with no marker seen yet.
func New() *Filter {
	return &Filter{}
}

// Accept reports whether marker is strictly newer than every previously
// accepted marker. The first marker offered is always accepted. LastSeen is
// only advanced when Accept returns true.
func (f *Filter) Accept(marker int64) bool {
	if f.set && marker <= f.last {
		return false
	}
	f.last = marker
	f.set = true
	return true
}

// LastSeen returns the last accepted marker and whether one has been accepted.
func (f *Filter) LastSeen() (int64, bool) {
	return f.last, f.set
}
