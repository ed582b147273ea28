package fusion

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// entropyBins is the histogram resolution used for Shannon entropy
const entropyBins = 256

// ssim computes a global structural similarity index. The dynamic range is the
// value range of x.
func ssim(x, y []float64) float64 {
	const k1, k2 = 0.01, 0.03
	l := floats.Max(x) - floats.Min(x)
	if l <= 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX, varX := stat.MeanVariance(x, nil)
	muY, varY := stat.MeanVariance(y, nil)
	covXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*covXY + c2)
	den := (muX*muX + muY*muY + c1) * (varX + varY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// mutualInformation approximates the mutual information of x and y assuming
// jointly Gaussian samples: 0.5 * log(var(x)var(y) / (var(x)var(y) - cov(x,y)^2)).
// It is +Inf for perfectly correlated samples and 0 when either is constant.
func mutualInformation(x, y []float64) float64 {
	varX := stat.Variance(x, nil)
	varY := stat.Variance(y, nil)
	if varX <= 0 || varY <= 0 {
		return 0
	}
	cov := stat.Covariance(x, y, nil)
	det := varX*varY - cov*cov
	if det <= 1e-12*varX*varY {
		return math.Inf(1)
	}
	return 0.5 * math.Log(varX*varY/det)
}

// entropy returns the Shannon entropy in bits of a 256 bin histogram of data
func entropy(data []float64) float64 {
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	hist := make([]float64, entropyBins)
	width := (hi - lo) / entropyBins
	for _, v := range data {
		bin := int((v - lo) / width)
		if bin >= entropyBins {
			bin = entropyBins - 1
		}
		hist[bin]++
	}

	n := float64(len(data))
	h := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / n
			h -= p * math.Log2(p)
		}
	}
	return h
}
