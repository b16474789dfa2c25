package utl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

func fittedModel(t *testing.T) (*UpliftTree, upliftDataSet) {
	ds := createUpliftDataSet(400)
	params := seededParams()
	params.MaxDepth = IntPtr(3)
	model := NewUpliftClassifier(params)
	require.NoError(t, model.Fit(ds.x, ds.y, nil, ds.groups))
	return model, ds
}

func TestUnfittedModel(t *testing.T) {
	model := NewUpliftClassifier(TreeParams{})
	x := mat.NewDense(2, 2, nil)

	_, err := model.Predict(x)
	assert.Equal(t, ErrNotFitted, err)
	_, err = model.Apply(x)
	assert.Equal(t, ErrNotFitted, err)
	assert.Equal(t, ErrNotFitted, model.Save(filepath.Join(t.TempDir(), "model.json")))
	assert.False(t, model.Fitted())
	assert.Equal(t, 0, model.NGroups())
}

func TestFitRejectsInvalidInput(t *testing.T) {
	ds := createUpliftDataSet(80)
	model := NewUpliftClassifier(seededParams())

	err := model.Fit(ds.x, ds.y[:10], nil, ds.groups)
	assert.Equal(t, ErrInvalidInput, errors.Cause(err))

	y := append([]float64(nil), ds.y...)
	y[3] = 0.5
	err = model.Fit(ds.x, y, nil, ds.groups)
	assert.Equal(t, ErrInvalidInput, errors.Cause(err))

	w := make([]float64, 80)
	w[5] = -1
	err = model.Fit(ds.x, ds.y, w, ds.groups)
	assert.Equal(t, ErrInvalidInput, errors.Cause(err))

	groups := append([]int(nil), ds.groups...)
	groups[0] = -1
	err = model.Fit(ds.x, ds.y, nil, groups)
	assert.Equal(t, ErrInvalidInput, errors.Cause(err))

	assert.False(t, model.Fitted())
}

func TestFitRejectsInvalidConfig(t *testing.T) {
	ds := createUpliftDataSet(80)
	model := NewUpliftRegressor(TreeParams{Criterion: "kl_divergence"})
	err := model.Fit(ds.x, ds.y, nil, ds.groups)
	require.Error(t, err)
	_, ok := err.(*ConfigError)
	assert.True(t, ok)
}

func TestRegressionTree(t *testing.T) {
	ds := createUpliftDataSet(400)
	for i := range ds.y {
		ds.y[i] = 3*ds.y[i] + ds.x.At(i, 1)
	}
	params := seededParams()
	params.MaxDepth = IntPtr(2)
	model := NewUpliftRegressor(params)
	require.NoError(t, model.Fit(ds.x, ds.y, nil, ds.groups))
	assert.Equal(t, 0, model.Tree().Nodes[0].Feature)
}

func TestPredictIsIdempotent(t *testing.T) {
	model, ds := fittedModel(t)

	first, err := model.Predict(ds.x)
	require.NoError(t, err)
	second, err := model.Predict(ds.x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(first, second))

	h, w := first.Dims()
	assert.Equal(t, 400, h)
	assert.Equal(t, 2, w)
}

func TestPredictMatchesLeafValues(t *testing.T) {
	model, ds := fittedModel(t)
	leaves, err := model.Apply(ds.x)
	require.NoError(t, err)
	prediction, err := model.Predict(ds.x)
	require.NoError(t, err)

	for p, leaf := range leaves {
		assert.True(t, model.Tree().Nodes[leaf].IsLeaf())
		assert.Equal(t, model.Tree().NodeValues(leaf), mat.Row(nil, p, prediction))
	}
}

func TestPredictRejectsWrongWidth(t *testing.T) {
	model, _ := fittedModel(t)
	_, err := model.Predict(mat.NewDense(3, 5, nil))
	assert.Equal(t, ErrInvalidInput, errors.Cause(err))
}

func TestUplift(t *testing.T) {
	ds := createUpliftDataSet(400)
	params := seededParams()
	params.MaxDepth = IntPtr(1)
	model := NewUpliftClassifier(params)
	require.NoError(t, model.Fit(ds.x, ds.y, nil, ds.groups))

	uplift, err := model.Uplift(ds.x)
	require.NoError(t, err)

	_, w := uplift.Dims()
	require.Equal(t, 1, w)
	for p := 0; p < 400; p++ {
		if ds.x.At(p, 0) < 0.5 {
			assert.InDelta(t, 0, uplift.At(p, 0), 1e-9, "row %d", p)
		} else {
			assert.Greater(t, uplift.At(p, 0), 0.5, "row %d", p)
		}
	}
}

func TestSaveLoadModel(t *testing.T) {
	model, ds := fittedModel(t)
	filename := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, model.Save(filename))

	loaded, err := LoadModel(filename)
	require.NoError(t, err)
	assert.Equal(t, model.Tree().Nodes, loaded.Tree().Nodes)
	assert.Equal(t, TaskClassification, loaded.Params.Task)

	expected, err := model.Predict(ds.x)
	require.NoError(t, err)
	got, err := loaded.Predict(ds.x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(expected, got))
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestValueTensor(t *testing.T) {
	model, _ := fittedModel(t)
	tree := model.Tree()
	values := tree.ValueTensor()

	assert.Equal(t, tensor.Shape{tree.NodeCount(), 2}, values.Shape())
	root, err := values.At(0, 1)
	require.NoError(t, err)
	assert.Equal(t, tree.NodeValues(0)[1], root)
}

func TestConcurrentFits(t *testing.T) {
	ds := createUpliftDataSet(400)
	params := seededParams()
	params.MaxFeatures = MaxFeaturesCount(1)

	trees := make([]*Tree, 4)
	var wg sync.WaitGroup
	for i := range trees {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := NewUpliftClassifier(params)
			if err := model.Fit(ds.x, ds.y, nil, ds.groups); err == nil {
				trees[i] = model.Tree()
			}
		}(i)
	}
	wg.Wait()

	for _, tree := range trees {
		require.NotNil(t, tree)
		assert.Equal(t, trees[0].Nodes, tree.Nodes)
	}
}

func TestGraphDescription(t *testing.T) {
	model, _ := fittedModel(t)
	tree := model.Tree()
	assert.Contains(t, tree.GraphDescription(0), "f_0 <=")
	for nodeID, node := range tree.Nodes {
		if node.IsLeaf() {
			assert.Contains(t, tree.GraphDescription(nodeID), "[")
			break
		}
	}
}

func TestSingleGroupModel(t *testing.T) {
	ds := createUpliftDataSet(400)
	groups := make([]int, 400)
	model := NewUpliftClassifier(seededParams())
	require.NoError(t, model.Fit(ds.x, ds.y, nil, groups))

	// a lone group has no divergence to gain
	assert.Equal(t, 1, model.Tree().NodeCount())
	assert.Equal(t, 1, model.NGroups())

	prediction, err := model.Predict(ds.x)
	require.NoError(t, err)
	h, w := prediction.Dims()
	assert.Equal(t, 400, h)
	assert.Equal(t, 1, w)

	mean := 0.0
	for _, v := range ds.y {
		mean += v
	}
	mean /= 400
	vector, err := model.PredictVector(ds.x)
	require.NoError(t, err)
	require.Len(t, vector, 400)
	for _, v := range vector {
		assert.InDelta(t, mean, v, 1e-12)
	}

	_, err = model.Uplift(ds.x)
	assert.Error(t, err)
}

func TestPredictVectorNeedsSingleGroup(t *testing.T) {
	model, ds := fittedModel(t)
	_, err := model.PredictVector(ds.x)
	assert.Equal(t, ErrInvalidInput, errors.Cause(err))
}

func TestLoadModelRejectsCorruptedTree(t *testing.T) {
	model, _ := fittedModel(t)
	dir := t.TempDir()
	filename := filepath.Join(dir, "model.json")
	require.NoError(t, model.Save(filename))
	content, err := os.ReadFile(filename)
	require.NoError(t, err)
	require.False(t, model.Tree().Nodes[0].IsLeaf())

	cases := map[string]func(tree *Tree){
		"child out of range": func(tree *Tree) { tree.Nodes[0].RightChild = len(tree.Nodes) },
		"child before parent": func(tree *Tree) {
			tree.Nodes[0].LeftChild = 0
		},
		"single child": func(tree *Tree) {
			leaf := tree.Nodes[0].LeftChild
			for tree.Nodes[leaf].LeftChild != TreeLeaf {
				leaf = tree.Nodes[leaf].LeftChild
			}
			tree.Nodes[leaf].RightChild = 1
		},
		"feature out of range": func(tree *Tree) { tree.Nodes[0].Feature = tree.NFeatures },
		"short values":         func(tree *Tree) { tree.Values = tree.Values[:1] },
		"no nodes":             func(tree *Tree) { tree.Nodes = nil },
	}
	for name, corrupt := range cases {
		var dump modelDump
		require.NoError(t, json.Unmarshal(content, &dump), name)
		corrupt(dump.Tree)
		corrupted, err := json.Marshal(dump)
		require.NoError(t, err, name)
		path := filepath.Join(dir, "corrupted.json")
		require.NoError(t, os.WriteFile(path, corrupted, 0o644), name)

		_, err = LoadModel(path)
		assert.Error(t, err, name)
	}
}
