package face

import "math"

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// It returns 0 when either vector has a zero norm.
func CosineSimilarity(a, b FeatureVector) float64 {
	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}
	if sumA == 0 || sumB == 0 {
		return 0
	}
	return dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
}
