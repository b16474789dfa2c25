package utl

import (
	"encoding/json"
	"math"
	"os"

	"github.com/goccy/go-graphviz"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	//ErrNotFitted is returned when a model is used before a successful Fit.
	ErrNotFitted = errors.New("uplift tree is not fitted")
	//ErrInvalidInput marks data that cannot be used for fitting or prediction.
	ErrInvalidInput = errors.New("invalid input")
)

//UpliftTree is the model class: one uplift decision tree and the parameters it is grown with.
type UpliftTree struct {
	Params TreeParams

	criterion CriterionKind
	tree      *Tree
}

//NewUpliftTree creates an unfitted model.
func NewUpliftTree(params TreeParams) *UpliftTree {
	return &UpliftTree{Params: params}
}

//NewUpliftClassifier creates a model for 0/1 outcomes.
func NewUpliftClassifier(params TreeParams) *UpliftTree {
	params.Task = TaskClassification
	return NewUpliftTree(params)
}

//NewUpliftRegressor creates a model for real valued outcomes.
func NewUpliftRegressor(params TreeParams) *UpliftTree {
	params.Task = TaskRegression
	return NewUpliftTree(params)
}

func invalidInput(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}

//validateTrainingData checks the arrays and returns the number of groups the labels need.
func validateTrainingData(x *mat.Dense, y, w []float64, groups []int, task Task) (nGroups int, err error) {
	if x == nil {
		return 0, invalidInput("nil feature matrix")
	}
	h, _ := x.Dims()
	if h == 0 {
		return 0, invalidInput("no samples")
	}
	if len(y) != h {
		return 0, invalidInput("the target length %d is not equal to the features height %d", len(y), h)
	}
	if len(groups) != h {
		return 0, invalidInput("the group length %d is not equal to the features height %d", len(groups), h)
	}
	if w != nil && len(w) != h {
		return 0, invalidInput("the weight length %d is not equal to the features height %d", len(w), h)
	}
	for i := 0; i < h; i++ {
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return 0, invalidInput("non finite target at row %d", i)
		}
		if task == TaskClassification && y[i] != 0 && y[i] != 1 {
			return 0, invalidInput("classification target must be 0 or 1, got %g at row %d", y[i], i)
		}
		if w != nil && (w[i] < 0 || math.IsNaN(w[i]) || math.IsInf(w[i], 0)) {
			return 0, invalidInput("invalid weight %g at row %d", w[i], i)
		}
		if groups[i] < 0 {
			return 0, invalidInput("negative group label %d at row %d", groups[i], i)
		}
		if groups[i]+1 > nGroups {
			nGroups = groups[i] + 1
		}
	}
	return nGroups, nil
}

//Fit grows the tree. Configuration is validated before any node is built; on failure the
//model keeps its previous state.
func (m *UpliftTree) Fit(x *mat.Dense, y, w []float64, groups []int) error {
	if x == nil {
		return invalidInput("nil feature matrix")
	}
	_, nFeatures := x.Dims()
	nGroups, err := validateTrainingData(x, y, w, groups, m.Params.Task)
	if err != nil {
		return err
	}
	cfg, err := m.Params.Validate(nFeatures, nGroups)
	if err != nil {
		return err
	}
	for i, g := range groups {
		if g >= cfg.nGroups {
			return invalidInput("group label %d at row %d is out of [0, %d)", g, i, cfg.nGroups)
		}
	}

	h, _ := x.Dims()
	samples := make([]int, h)
	for i := range samples {
		samples[i] = i
	}
	data := trainingData{x: x, y: y, w: w, groups: groups, samples: samples}

	tree := NewTree(nFeatures, cfg.nGroups)
	newTreeBuilder(cfg, newSplitter(cfg, data)).Build(tree)

	m.criterion = cfg.criterion
	m.tree = tree
	return nil
}

//FitUMatrix grows the tree on a data set.
func (m *UpliftTree) FitUMatrix(um UMatrix) error {
	y, w, groups, err := um.Columns()
	if err != nil {
		return err
	}
	return m.Fit(um.Features, y, w, groups)
}

//NFeatures is the number of features the tree was fitted with.
func (m *UpliftTree) NFeatures() int {
	if m.tree == nil {
		return 0
	}
	return m.tree.NFeatures
}

//Fitted reports whether a tree is available.
func (m *UpliftTree) Fitted() bool { return m.tree != nil }

//Tree returns the fitted tree, nil before Fit.
func (m *UpliftTree) Tree() *Tree { return m.tree }

//NGroups is the number of treatment groups of the fitted tree.
func (m *UpliftTree) NGroups() int {
	if m.tree == nil {
		return 0
	}
	return m.tree.NGroups
}

func (m *UpliftTree) checkFeatures(x *mat.Dense) error {
	if m.tree == nil {
		return ErrNotFitted
	}
	if x == nil {
		return invalidInput("nil feature matrix")
	}
	if _, w := x.Dims(); w != m.tree.NFeatures {
		return invalidInput("the model was fitted with %d features, got %d", m.tree.NFeatures, w)
	}
	return nil
}

//Apply returns the index of the leaf every row falls in.
func (m *UpliftTree) Apply(x *mat.Dense) ([]int, error) {
	if err := m.checkFeatures(x); err != nil {
		return nil, err
	}
	return m.tree.Apply(x), nil
}

//Predict returns the per-group leaf values of every row, a single column when the tree has
//one group.
func (m *UpliftTree) Predict(x *mat.Dense) (*mat.Dense, error) {
	if err := m.checkFeatures(x); err != nil {
		return nil, err
	}
	return m.tree.Predict(x), nil
}

//PredictVector returns one value per row for a tree fitted on a single group.
func (m *UpliftTree) PredictVector(x *mat.Dense) ([]float64, error) {
	prediction, err := m.Predict(x)
	if err != nil {
		return nil, err
	}
	if m.tree.NGroups != 1 {
		return nil, invalidInput("a vector prediction needs a single group model, got %d groups", m.tree.NGroups)
	}
	return mat.Col(nil, 0, prediction), nil
}

//Uplift returns, for every row and treated group g, value[g] - value[0].
func (m *UpliftTree) Uplift(x *mat.Dense) (*mat.Dense, error) {
	prediction, err := m.Predict(x)
	if err != nil {
		return nil, err
	}
	if m.tree.NGroups < 2 {
		return nil, errors.New("uplift needs at least one treated group")
	}
	h, _ := prediction.Dims()
	uplift := mat.NewDense(h, m.tree.NGroups-1, nil)
	for p := 0; p < h; p++ {
		control := prediction.At(p, 0)
		for g := 1; g < m.tree.NGroups; g++ {
			uplift.Set(p, g-1, prediction.At(p, g)-control)
		}
	}
	return uplift, nil
}

//modelDump is the on-disk form of a fitted model.
type modelDump struct {
	Task      string `json:"task"`
	Criterion string `json:"criterion"`
	Tree      *Tree  `json:"tree"`
}

//Save writes the fitted model as indented JSON.
func (m *UpliftTree) Save(filename string) error {
	if m.tree == nil {
		return ErrNotFitted
	}
	modelByteRepr, err := json.MarshalIndent(modelDump{
		Task:      m.Params.Task.String(),
		Criterion: m.criterion.String(),
		Tree:      m.tree,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode model")
	}
	return errors.Wrapf(os.WriteFile(filename, modelByteRepr, 0o644), "write model %s", filename)
}

//LoadModel reads a model written by Save.
func LoadModel(filename string) (*UpliftTree, error) {
	source, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open model %s", filename)
	}
	defer func() { _ = source.Close() }()

	var dump modelDump
	if err := json.NewDecoder(source).Decode(&dump); err != nil {
		return nil, errors.Wrapf(err, "decode model %s", filename)
	}
	if dump.Tree == nil {
		return nil, errors.Errorf("model %s holds no tree", filename)
	}
	if err := dump.Tree.validate(); err != nil {
		return nil, errors.Wrapf(err, "model %s", filename)
	}
	task, err := ParseTask(dump.Task)
	if err != nil {
		return nil, err
	}
	criterion, err := ParseCriterion(dump.Criterion)
	if err != nil {
		return nil, err
	}
	return &UpliftTree{
		Params:    TreeParams{Task: task, Criterion: criterion.String()},
		criterion: criterion,
		tree:      dump.Tree,
	}, nil
}

var graphvizType = map[string]graphviz.Format{
	"png": graphviz.PNG,
	"svg": graphviz.SVG,
	"jpg": graphviz.JPG,
}

//RenderTree draws the fitted tree into filename; figureType is png, svg or jpg.
func (m *UpliftTree) RenderTree(filename, figureType string) error {
	if m.tree == nil {
		return ErrNotFitted
	}
	format, ok := graphvizType[figureType]
	if !ok {
		return errors.Errorf("unknown figure type %q", figureType)
	}
	graphViz, graph, err := m.tree.DrawGraph()
	if err != nil {
		return errors.Wrap(err, "draw tree")
	}
	defer func() {
		_ = graph.Close()
		_ = graphViz.Close()
	}()
	return errors.Wrapf(graphViz.RenderFilename(graph, format, filename), "render %s", filename)
}
