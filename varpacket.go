package cnsocket

// Overflow-safe size checks for packets that end in an array of n fixed-size
// elements. All arithmetic is done in int64 and n is bounded by division before
// any multiplication, so no combination of arguments can wrap.

// ValidOutVarPacket reports whether base + n*elemSize fits in one outbound frame.
// Negative arguments are rejected.
func ValidOutVarPacket(base int, n int32, elemSize int) bool {
	_, ok := varPacketSize(base, n, elemSize)
	return ok
}

// ValidInVarPacket reports whether an inbound body of dataSize bytes is exactly
// base + n*elemSize and fits in one frame. Slack bytes are rejected.
func ValidInVarPacket(base int, n int32, elemSize int, dataSize int) bool {
	size, ok := varPacketSize(base, n, elemSize)
	return ok && int64(dataSize) == size
}

// varPacketSize returns base + n*elemSize when it is within MaxFrameLength.
func varPacketSize(base int, n int32, elemSize int) (int64, bool) {
	if base < 0 || n < 0 || elemSize < 0 {
		return 0, false
	}
	limit := int64(MaxFrameLength)
	b := int64(base)
	if b > limit {
		return 0, false
	}
	if n == 0 || elemSize == 0 {
		return b, true
	}
	// n*elemSize <= limit-b  <=>  n <= (limit-b)/elemSize for positive integers
	if int64(n) > (limit-b)/int64(elemSize) {
		return 0, false
	}
	return b + int64(n)*int64(elemSize), true
}
