package sync

// Rolling checksum over a fixed window, rsync style: two 16 bit sums
// packed into a uint32. Uint32 wrap-around is congruent mod 2^16, so no
// explicit masking is needed until the sums are combined.

type rollingSum struct {
	a, b uint32
	size uint32
}

func newRollingSum(window []byte) rollingSum {
	var r rollingSum
	r.size = uint32(len(window))
	for i, c := range window {
		r.a += uint32(c)
		r.b += uint32(len(window)-i) * uint32(c)
	}
	return r
}

// roll slides the window one byte forward: out leaves, in enters.
func (r *rollingSum) roll(out, in byte) {
	r.a += uint32(in) - uint32(out)
	r.b += r.a - r.size*uint32(out)
}

func (r *rollingSum) sum() uint32 {
	return (r.a & 0xffff) | (r.b << 16)
}

// weakSum computes the rolling checksum of b without rolling.
func weakSum(b []byte) uint32 {
	r := newRollingSum(b)
	return r.sum()
}
