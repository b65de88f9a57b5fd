package tensor

import "math/rand"

// FillRand fills the matrix with reproducible pseudo‑random values in a small
// range around zero. Multiple calls with the same seed produce identical
// matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	fill(m, func() float32 {
		return (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	})
}

// FillNormal fills the matrix with standard normal samples, rounded to the
// matrix dtype.
func FillNormal(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	fill(m, func() float32 {
		return float32(rng.NormFloat64())
	})
}

func fill(m *Mat, next func() float32) {
	row := make([]float32, m.C)
	for i := 0; i < m.R; i++ {
		for j := range row {
			row[j] = next()
		}
		m.StoreRow(i, 0, row)
	}
}
