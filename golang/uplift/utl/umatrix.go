package utl

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

//UMatrix contains an uplift data set: features, outcomes, sample weights and treatment groups.
//Target, Weight and Group are single column matrices; a nil Weight means unit weights.
type UMatrix struct {
	Features    *mat.Dense
	Target      *mat.Dense
	Weight      *mat.Dense
	Group       *mat.Dense
	Description *string
}

//SetDescription sets a description for an UMatrix object
func (um *UMatrix) SetDescription(description string) {
	um.Description = &description
}

func (um UMatrix) description() string {
	if um.Description == nil {
		return ""
	}
	return *um.Description
}

//ReadUMatrix reads the components of a data set from npy files and unites them into one UMatrix.
//An empty fileNameWeight leaves the weights unset.
func ReadUMatrix(fileNameFeatures, fileNameTarget, fileNameWeight, fileNameGroup string) (um UMatrix, err error) {
	if um.Features, err = ReadNpy(fileNameFeatures); err != nil {
		return UMatrix{}, err
	}
	if um.Target, err = ReadNpy(fileNameTarget); err != nil {
		return UMatrix{}, err
	}
	if fileNameWeight != "" {
		if um.Weight, err = ReadNpy(fileNameWeight); err != nil {
			return UMatrix{}, err
		}
	}
	if um.Group, err = ReadNpy(fileNameGroup); err != nil {
		return UMatrix{}, err
	}
	if _, err := um.validatedDimensions(); err != nil {
		return UMatrix{}, errors.Wrapf(err, "data set %s", fileNameFeatures)
	}
	return um, nil
}

//ReadNpy reads the content of a float64 npy file. One dimensional arrays become a single column.
func ReadNpy(fileName string) (*mat.Dense, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", fileName)
	}
	defer func() { _ = f.Close() }()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read npy header of %s", fileName)
	}

	if shape := r.Header.Descr.Shape; len(shape) == 1 {
		data := make([]float64, shape[0])
		if err := r.Read(&data); err != nil {
			return nil, errors.Wrapf(err, "read %s", fileName)
		}
		return mat.NewDense(len(data), 1, data), nil
	}

	denseMat := &mat.Dense{}
	if err := r.Read(denseMat); err != nil {
		return nil, errors.Wrapf(err, "read %s", fileName)
	}
	return denseMat, nil
}

//WriteNpy stores a matrix into a npy file.
func WriteNpy(fileName string, m mat.Matrix) error {
	dst, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "create %s", fileName)
	}
	if err := npyio.Write(dst, m); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "write %s", fileName)
	}
	return errors.Wrapf(dst.Close(), "close %s", fileName)
}

//Height returns the number of rows of a matrix.
func Height(m mat.Matrix) int {
	h, _ := m.Dims()
	return h
}

func column(m *mat.Dense) []float64 {
	h := Height(m)
	out := make([]float64, h)
	mat.Col(out, 0, m)
	return out
}

//validatedDimensions checks the consistency of dimensions in arrays from the current dataset
//and returns the height (the number of objects).
func (um UMatrix) validatedDimensions() (int, error) {
	if um.Features == nil || um.Target == nil || um.Group == nil {
		return 0, invalidInput("features, target and group are required")
	}
	h, _ := um.Features.Dims()
	single := map[string]*mat.Dense{"target": um.Target, "group": um.Group}
	if um.Weight != nil {
		single["weight"] = um.Weight
	}
	for name, m := range single {
		mh, mw := m.Dims()
		if mh != h {
			return 0, invalidInput("the %s height %d is not equal to the features height %d", name, mh, h)
		}
		if mw != 1 {
			return 0, invalidInput("the width of %s should be 1 not %d", name, mw)
		}
	}
	return h, nil
}

//Columns returns the target, the weights (nil when unset) and the integer group labels.
func (um UMatrix) Columns() (y, w []float64, groups []int, err error) {
	if _, err := um.validatedDimensions(); err != nil {
		return nil, nil, nil, err
	}
	y = column(um.Target)
	if um.Weight != nil {
		w = column(um.Weight)
	}
	rawGroups := column(um.Group)
	groups = make([]int, len(rawGroups))
	for i, g := range rawGroups {
		if g != math.Trunc(g) {
			return nil, nil, nil, invalidInput("group label %g at row %d is not an integer", g, i)
		}
		groups[i] = int(g)
	}
	return y, w, groups, nil
}

//observedMean is the weighted mean outcome of group g. mask is a scratch buffer of len(y) that
//ends up holding the weights of group g and zeros elsewhere.
func observedMean(y, weights []float64, groups []int, g int, mask []float64) (float64, bool) {
	for i, label := range groups {
		mask[i] = 0
		if label == g {
			mask[i] = weights[i]
		}
	}
	total := floats.Sum(mask)
	if total <= 0 {
		return 0, false
	}
	return floats.Dot(mask, y) / total, true
}

//observedUplift is the weighted mean outcome of group g minus the one of the control group.
func observedUplift(y, weights []float64, groups []int, g int, mask []float64) float64 {
	treated, ok := observedMean(y, weights, groups, g, mask)
	if !ok {
		return 0
	}
	control, ok := observedMean(y, weights, groups, 0, mask)
	if !ok {
		return 0
	}
	return treated - control
}

//Message logs, for every treated group, the uplift observed on the data set next to the mean
//uplift the model predicts for it, and returns the absolute gaps between the two.
func (um UMatrix) Message(model *UpliftTree, logger *zap.Logger) ([]float64, error) {
	y, w, groups, err := um.Columns()
	if err != nil {
		return nil, err
	}
	uplift, err := model.Uplift(um.Features)
	if err != nil {
		return nil, err
	}
	weights := w
	if weights == nil {
		weights = make([]float64, len(y))
		floats.AddConst(1, weights)
	}
	totalWeight := floats.Sum(weights)
	mask := make([]float64, len(y))

	_, arms := uplift.Dims()
	gaps := make([]float64, arms)
	for g := 1; g <= arms; g++ {
		predicted := 0.0
		if totalWeight > 0 {
			predicted = floats.Dot(mat.Col(nil, g-1, uplift), weights) / totalWeight
		}
		observed := observedUplift(y, weights, groups, g, mask)
		gaps[g-1] = math.Abs(observed - predicted)
		logger.Info("uplift",
			zap.String("data_set", um.description()),
			zap.Int("group", g),
			zap.Float64("observed", observed),
			zap.Float64("predicted", predicted),
		)
	}
	return gaps, nil
}
