package audio

// fullScale is the divisor that maps an int16 sample onto [-1, 1).
const fullScale = 32768.0

// Int16s decodes little-endian 16-bit PCM into samples. A trailing odd byte
// is ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// Samples decodes little-endian 16-bit PCM into floats normalised by 32768.
// A trailing odd byte is ignored.
func Samples(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/BytesPerSample)
	for i := range out {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = float64(s) / fullScale
	}
	return out
}

// clamp16 saturates v to the int16 range.
func clamp16(v int64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
