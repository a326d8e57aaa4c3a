package retrieval

import "math"

// CosineSimilarity returns dot(a,b) / (|a|·|b|).
//
// Vectors of different length score 0 rather than failing: history may span
// embedding-model versions. Empty and zero-norm vectors also score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aNormSq, bNormSq float64
	for i := range a {
		va, vb := float64(a[i]), float64(b[i])
		dot += va * vb
		aNormSq += va * va
		bNormSq += vb * vb
	}
	if aNormSq == 0 || bNormSq == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(aNormSq) * math.Sqrt(bNormSq))
	// Rounding can push parallel vectors a hair past ±1.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return float32(sim)
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosineWithNorm is CosineSimilarity with a precomputed norm for a, used by
// the scan loop so the query norm is computed once per search.
func cosineWithNorm(a []float32, aNorm float64, b []float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	sim := dot / (aNorm * math.Sqrt(bNormSq))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return float32(sim)
}
