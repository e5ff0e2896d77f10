package histogram

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

// Chi2Test compares two unweighted histograms for homogeneity and returns
// the chi-square, the degrees of freedom and the p-value of the hypothesis
// that both were drawn from the same distribution. Bins empty in both
// histograms do not contribute.
func Chi2Test(a, b *Histogram1D) (chi2 float64, ndf int, pValue float64, err error) {
	if a.NBins() != b.NBins() {
		return 0, 0, 0, fmt.Errorf("chi2 test: bin count mismatch %d vs %d", a.NBins(), b.NBins())
	}
	sumA, sumB := a.Entries(), b.Entries()
	if sumA == 0 || sumB == 0 {
		return 0, 0, 0, fmt.Errorf("chi2 test: empty histogram")
	}

	used := 0
	for i := range a.Contents {
		na, nb := a.Contents[i], b.Contents[i]
		if na+nb == 0 {
			continue
		}
		used++
		d := sumB*na - sumA*nb
		chi2 += d * d / (na + nb)
	}
	chi2 /= sumA * sumB
	ndf = used - 1
	if ndf <= 0 {
		return chi2, ndf, 1, nil
	}
	pValue = distuv.ChiSquared{K: float64(ndf)}.Survival(chi2)
	return chi2, ndf, pValue, nil
}
