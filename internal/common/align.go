package common

// AlignUp rounds n up to the next multiple of alignment. alignment must be positive.
func AlignUp(n, alignment int) int {
	if rem := n % alignment; rem != 0 {
		return n + alignment - rem
	}
	return n
}

// PaddingFor returns the number of bytes needed to move n to the next multiple of alignment.
func PaddingFor(n, alignment int) int {
	return AlignUp(n, alignment) - n
}
