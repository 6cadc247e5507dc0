package speech

import (
	"encoding/binary"
	"math"
)

// Float32ToPCM16 converts samples to 16-bit little-endian PCM bytes, the
// wire format both engines accept.
func Float32ToPCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}
