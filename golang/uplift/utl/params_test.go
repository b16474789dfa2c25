package utl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestValidateDefaults(t *testing.T) {
	cfg, err := TreeParams{}.Validate(9, 2)
	require.NoError(t, err)

	assert.Equal(t, DeltaDeltaP, cfg.criterion)
	assert.Equal(t, SplitterBest, cfg.splitter)
	assert.Equal(t, 10, cfg.minSamplesLeafTreated)
	assert.Equal(t, 10, cfg.minSamplesLeafControl)
	assert.Equal(t, 20, cfg.minSamplesLeaf)
	assert.Equal(t, 40, cfg.minSamplesSplit)
	assert.Equal(t, 9, cfg.maxFeatures)
	assert.Equal(t, unboundedDepth, cfg.maxDepth)
	assert.False(t, cfg.bestFirst())
	assert.Equal(t, 2, cfg.nGroups)
	assert.NotNil(t, cfg.logger)
}

func TestValidateRaisesMinSamplesSplit(t *testing.T) {
	cfg, err := TreeParams{
		MinSamplesSplit: IntPtr(2),
		MinSamplesLeaf:  IntPtr(30),
	}.Validate(3, 2)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.minSamplesSplit)
}

func TestValidateCollectsProblems(t *testing.T) {
	_, err := TreeParams{
		Criterion:             "gini",
		Splitter:              "random",
		MaxDepth:              IntPtr(-1),
		MinSamplesLeafTreated: IntPtr(0),
		MaxLeafNodes:          IntPtr(0),
	}.Validate(3, 2)
	require.Error(t, err)

	configErr, ok := err.(*ConfigError)
	require.True(t, ok, "expected *ConfigError, got %T", err)
	assert.Len(t, configErr.Problems(), 5)
}

func TestValidateRejectsRegressionDivergences(t *testing.T) {
	for _, criterion := range []string{"kl_divergence", "euclidean_divergence", "chi2_divergence"} {
		_, err := TreeParams{Task: TaskRegression, Criterion: criterion}.Validate(3, 2)
		assert.Error(t, err, criterion)
	}
	_, err := TreeParams{Task: TaskRegression, Criterion: "delta_delta_p"}.Validate(3, 2)
	assert.NoError(t, err)
}

func TestValidateMinSamplesLeafBelowGroupMinimum(t *testing.T) {
	_, err := TreeParams{
		MinSamplesLeaf:        IntPtr(5),
		MinSamplesLeafTreated: IntPtr(10),
	}.Validate(3, 2)
	assert.Error(t, err)
}

func TestValidateLeafBudget(t *testing.T) {
	cfg, err := TreeParams{MaxLeafNodes: IntPtr(-1)}.Validate(3, 2)
	require.NoError(t, err)
	assert.False(t, cfg.bestFirst())

	cfg, err = TreeParams{MaxLeafNodes: IntPtr(4)}.Validate(3, 2)
	require.NoError(t, err)
	assert.True(t, cfg.bestFirst())
	assert.Equal(t, 4, cfg.maxLeafNodes)
}

func TestValidateNGroups(t *testing.T) {
	cfg, err := TreeParams{NGroups: 4}.Validate(3, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.nGroups)

	_, err = TreeParams{NGroups: 2}.Validate(3, 3)
	assert.Error(t, err)
}

func TestMaxFeaturesResolve(t *testing.T) {
	cases := []struct {
		maxFeatures MaxFeatures
		task        Task
		expected    int
	}{
		{MaxFeaturesAll, TaskClassification, 16},
		{MaxFeaturesSqrt, TaskClassification, 4},
		{MaxFeaturesLog2, TaskRegression, 4},
		{MaxFeaturesAuto, TaskClassification, 4},
		{MaxFeaturesAuto, TaskRegression, 16},
		{MaxFeaturesCount(3), TaskClassification, 3},
		{MaxFeaturesFraction(0.5), TaskClassification, 8},
		{MaxFeaturesFraction(0.01), TaskClassification, 1},
	}
	for _, c := range cases {
		got, err := c.maxFeatures.resolve(16, c.task)
		require.NoError(t, err, c.maxFeatures.String())
		assert.Equal(t, c.expected, got, c.maxFeatures.String())
	}

	_, err := MaxFeaturesCount(17).resolve(16, TaskClassification)
	assert.Error(t, err)
	_, err = MaxFeaturesFraction(1.5).resolve(16, TaskClassification)
	assert.Error(t, err)
}

func TestParseMaxFeatures(t *testing.T) {
	m, err := ParseMaxFeatures("sqrt")
	require.NoError(t, err)
	assert.Equal(t, MaxFeaturesSqrt, m)

	m, err = ParseMaxFeatures("3")
	require.NoError(t, err)
	assert.Equal(t, MaxFeaturesCount(3), m)

	m, err = ParseMaxFeatures("0.25")
	require.NoError(t, err)
	assert.Equal(t, MaxFeaturesFraction(0.25), m)

	_, err = ParseMaxFeatures("most")
	assert.Error(t, err)
}

func TestMaxFeaturesDecoding(t *testing.T) {
	var fromJSON struct {
		Named    MaxFeatures `json:"named"`
		Count    MaxFeatures `json:"count"`
		Fraction MaxFeatures `json:"fraction"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"named": "log2", "count": 5, "fraction": 0.5}`), &fromJSON))
	assert.Equal(t, MaxFeaturesLog2, fromJSON.Named)
	assert.Equal(t, MaxFeaturesCount(5), fromJSON.Count)
	assert.Equal(t, MaxFeaturesFraction(0.5), fromJSON.Fraction)

	encoded, err := json.Marshal(fromJSON.Count)
	require.NoError(t, err)
	assert.Equal(t, "5", string(encoded))

	var fromYAML struct {
		MaxFeatures MaxFeatures `yaml:"max_features"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("max_features: sqrt\n"), &fromYAML))
	assert.Equal(t, MaxFeaturesSqrt, fromYAML.MaxFeatures)
}

func TestParseNames(t *testing.T) {
	kind, err := ParseCriterion("chi2_divergence")
	require.NoError(t, err)
	assert.Equal(t, Chi2Divergence, kind)
	assert.Equal(t, "chi2_divergence", kind.String())

	splitter, err := ParseSplitter("fast")
	require.NoError(t, err)
	assert.Equal(t, SplitterFast, splitter)

	task, err := ParseTask("regression")
	require.NoError(t, err)
	assert.Equal(t, TaskRegression, task)

	_, err = ParseTask("ranking")
	assert.Error(t, err)
}
