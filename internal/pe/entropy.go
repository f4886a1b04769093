package pe

import "math"

// HighEntropy is the level above which a section is most likely encrypted or
// compressed. Method bodies in such a section are typically decrypted at
// runtime, so patching the file has no effect.
const HighEntropy = 7.0

// CalculateEntropy returns the Shannon entropy of data in bits per byte,
// from 0 (a single repeated value) to 8 (uniformly random).
func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var freq [256]int
	for _, b := range data {
		freq[b]++
	}

	var entropy float64
	n := float64(len(data))
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
