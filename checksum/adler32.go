package checksum

const (
	adlerMod = 65521
	// adlerNMax is the most bytes that can be summed before s2 may overflow uint32.
	adlerNMax = 5552
)

// adler32Update continues an Adler-32 digest over p.
// A zero seed starts a fresh digest (initial state 1); any other seed is a previous
// digest, so updating fragment by fragment equals one pass over the concatenation.
func adler32Update(seed uint32, p []byte) uint32 {
	if seed == 0 {
		seed = 1
	}
	s1, s2 := seed&0xffff, seed>>16
	for len(p) > 0 {
		var q []byte
		if len(p) > adlerNMax {
			p, q = p[:adlerNMax], p[adlerNMax:]
		}
		for _, b := range p {
			s1 += uint32(b)
			s2 += s1
		}
		s1 %= adlerMod
		s2 %= adlerMod
		p = q
	}
	return s2<<16 | s1
}
