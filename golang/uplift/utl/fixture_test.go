package utl

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

//upliftDataSet holds arrays for tests.
type upliftDataSet struct {
	x      *mat.Dense
	y      []float64
	w      []float64
	groups []int
}

//createUpliftDataSet builds n samples (a multiple of 40) with two features and two groups.
//Every block of 40 consecutive samples covers each of the 20 values of feature 0 once per
//group. Treated samples with feature 0 >= 0.5 always respond, everybody else responds only in
//every third block, so the whole uplift sits on the right of feature 0 = 0.475.
func createUpliftDataSet(n int) upliftDataSet {
	x := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	groups := make([]int, n)
	for i := 0; i < n; i++ {
		x0 := float64((i/2)%20) / 20
		x.Set(i, 0, x0)
		x.Set(i, 1, float64((i*7)%13)/13)
		groups[i] = i % 2

		background := (i/40)%3 == 0
		if background || (groups[i] == 1 && x0 >= 0.5) {
			y[i] = 1
		}
	}
	return upliftDataSet{x: x, y: y, groups: groups}
}

//withMissing replaces feature 0 of every seventh sample by NaN.
func (ds upliftDataSet) withMissing() upliftDataSet {
	h, w := ds.x.Dims()
	x := mat.NewDense(h, w, nil)
	x.Copy(ds.x)
	for i := 0; i < h; i += 7 {
		x.Set(i, 0, math.NaN())
	}
	ds.x = x
	return ds
}

func (ds upliftDataSet) trainingData() trainingData {
	h, _ := ds.x.Dims()
	samples := make([]int, h)
	for i := range samples {
		samples[i] = i
	}
	return trainingData{x: ds.x, y: ds.y, w: ds.w, groups: ds.groups, samples: samples}
}

func seededParams() TreeParams {
	return TreeParams{RandomState: Int64Ptr(7)}
}

//createBalancedDataSet builds 400 samples with one feature where treated and control swap
//response rates 0.25 and 0.75 between x = 0.25 and x = 0.75. Both groups respond half of the
//time overall, so the root has zero divergence while its children do not.
func createBalancedDataSet() upliftDataSet {
	n := 400
	x := mat.NewDense(n, 1, nil)
	y := make([]float64, n)
	groups := make([]int, n)
	for i := 0; i < n; i++ {
		groups[i] = i % 2
		low := (i/2)%2 == 0
		x.Set(i, 0, 0.75)
		if low {
			x.Set(i, 0, 0.25)
		}
		quarter := (i/4)%4 == 0
		if quarter == (low == (groups[i] == 0)) {
			y[i] = 1
		}
	}
	return upliftDataSet{x: x, y: y, groups: groups}
}

//createThreeArmDataSet builds n samples (a multiple of 60) with a control group and two
//treated arms. Arm 1 always responds for feature 0 >= 0.5, arm 2 for feature 0 < 0.25,
//everybody responds in every third block.
func createThreeArmDataSet(n int) upliftDataSet {
	x := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	groups := make([]int, n)
	for i := 0; i < n; i++ {
		x0 := float64((i/3)%20) / 20
		x.Set(i, 0, x0)
		x.Set(i, 1, float64((i*7)%13)/13)
		groups[i] = i % 3

		background := (i/60)%3 == 0
		if background || (groups[i] == 1 && x0 >= 0.5) || (groups[i] == 2 && x0 < 0.25) {
			y[i] = 1
		}
	}
	return upliftDataSet{x: x, y: y, groups: groups}
}
