package sensor

// Deduplicator remembers the last accepted Sample and rejects an exact
// repeat of it. It is owned by a single goroutine and is not safe for
// concurrent use.
type Deduplicator struct {
	last Sample
	seen bool
}

// Novel reports whether s differs from the previously accepted sample and,
// if so, records it as the new reference. The first sample is always novel.
func (d *Deduplicator) Novel(s Sample) bool {
	if d.seen && s == d.last {
		return false
	}
	d.last = s
	d.seen = true
	return true
}

// Last returns the reference sample, if any.
func (d *Deduplicator) Last() (Sample, bool) {
	return d.last, d.seen
}
