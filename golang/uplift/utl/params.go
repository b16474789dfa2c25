package utl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//Task selects the kind of outcome a tree is grown for.
type Task int

const (
	TaskClassification Task = iota
	TaskRegression
)

func (t Task) String() string {
	switch t {
	case TaskClassification:
		return "classification"
	case TaskRegression:
		return "regression"
	}
	return fmt.Sprintf("Task(%d)", int(t))
}

//ParseTask converts the configuration name of a task into a Task.
func ParseTask(name string) (Task, error) {
	switch strings.ToLower(name) {
	case "", "classification", "classifier":
		return TaskClassification, nil
	case "regression", "regressor":
		return TaskRegression, nil
	}
	return 0, errors.Errorf("unknown task %q", name)
}

//CriterionKind enumerates the divergence measures a Criterion can compute.
type CriterionKind int

const (
	DeltaDeltaP CriterionKind = iota
	KLDivergence
	EuclideanDivergence
	Chi2Divergence
)

func (k CriterionKind) String() string {
	switch k {
	case DeltaDeltaP:
		return "delta_delta_p"
	case KLDivergence:
		return "kl_divergence"
	case EuclideanDivergence:
		return "euclidean_divergence"
	case Chi2Divergence:
		return "chi2_divergence"
	}
	return fmt.Sprintf("CriterionKind(%d)", int(k))
}

//ParseCriterion converts a criterion name into a CriterionKind. An empty name selects delta_delta_p.
func ParseCriterion(name string) (CriterionKind, error) {
	switch name {
	case "", "delta_delta_p":
		return DeltaDeltaP, nil
	case "kl_divergence":
		return KLDivergence, nil
	case "euclidean_divergence":
		return EuclideanDivergence, nil
	case "chi2_divergence":
		return Chi2Divergence, nil
	}
	return 0, errors.Errorf("unknown criterion %q", name)
}

//Supports reports whether the criterion is defined for the task.
//Regression outcomes only have a delta_delta_p criterion.
func (k CriterionKind) Supports(task Task) bool {
	if task == TaskRegression {
		return k == DeltaDeltaP
	}
	return k >= DeltaDeltaP && k <= Chi2Divergence
}

//SplitterKind enumerates the split search strategies.
type SplitterKind int

const (
	SplitterBest SplitterKind = iota
	SplitterFast
)

func (k SplitterKind) String() string {
	switch k {
	case SplitterBest:
		return "best"
	case SplitterFast:
		return "fast"
	}
	return fmt.Sprintf("SplitterKind(%d)", int(k))
}

//ParseSplitter converts a splitter name into a SplitterKind. An empty name selects best.
func ParseSplitter(name string) (SplitterKind, error) {
	switch name {
	case "", "best":
		return SplitterBest, nil
	case "fast":
		return SplitterFast, nil
	}
	return 0, errors.Errorf("unknown splitter %q", name)
}

type maxFeaturesKind int

const (
	maxFeaturesAll maxFeaturesKind = iota
	maxFeaturesCount
	maxFeaturesFraction
	maxFeaturesSqrt
	maxFeaturesLog2
	maxFeaturesAuto
)

//MaxFeatures describes how many features are drawn at every node.
//The zero value draws all of them.
type MaxFeatures struct {
	kind     maxFeaturesKind
	count    int
	fraction float64
}

var (
	MaxFeaturesAll  = MaxFeatures{kind: maxFeaturesAll}
	MaxFeaturesSqrt = MaxFeatures{kind: maxFeaturesSqrt}
	MaxFeaturesLog2 = MaxFeatures{kind: maxFeaturesLog2}
	//MaxFeaturesAuto is sqrt for classification and all features for regression.
	MaxFeaturesAuto = MaxFeatures{kind: maxFeaturesAuto}
)

//MaxFeaturesCount draws exactly n features.
func MaxFeaturesCount(n int) MaxFeatures {
	return MaxFeatures{kind: maxFeaturesCount, count: n}
}

//MaxFeaturesFraction draws max(1, int(f * n_features)) features.
func MaxFeaturesFraction(f float64) MaxFeatures {
	return MaxFeatures{kind: maxFeaturesFraction, fraction: f}
}

//ParseMaxFeatures accepts "sqrt", "log2", "auto", "all", "" (all), an integer count or a fraction.
func ParseMaxFeatures(text string) (MaxFeatures, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "all", "none", "null":
		return MaxFeaturesAll, nil
	case "sqrt":
		return MaxFeaturesSqrt, nil
	case "log2":
		return MaxFeaturesLog2, nil
	case "auto":
		return MaxFeaturesAuto, nil
	}
	if n, err := strconv.Atoi(text); err == nil {
		return MaxFeaturesCount(n), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return MaxFeatures{}, errors.Errorf("invalid value for max_features: %q", text)
	}
	return MaxFeaturesFraction(f), nil
}

func (m MaxFeatures) String() string {
	switch m.kind {
	case maxFeaturesCount:
		return strconv.Itoa(m.count)
	case maxFeaturesFraction:
		return strconv.FormatFloat(m.fraction, 'g', -1, 64)
	case maxFeaturesSqrt:
		return "sqrt"
	case maxFeaturesLog2:
		return "log2"
	case maxFeaturesAuto:
		return "auto"
	}
	return "all"
}

//MarshalJSON writes counts and fractions as numbers and the named rules as strings.
func (m MaxFeatures) MarshalJSON() ([]byte, error) {
	switch m.kind {
	case maxFeaturesCount, maxFeaturesFraction:
		return []byte(m.String()), nil
	case maxFeaturesAll:
		return []byte("null"), nil
	}
	return json.Marshal(m.String())
}

func (m *MaxFeatures) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	}
	parsed, err := ParseMaxFeatures(text)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m *MaxFeatures) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	parsed, err := ParseMaxFeatures(text)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m MaxFeatures) resolve(nFeatures int, task Task) (int, error) {
	switch m.kind {
	case maxFeaturesAll:
		return nFeatures, nil
	case maxFeaturesCount:
		if m.count < 1 || m.count > nFeatures {
			return 0, errors.Errorf("max_features must be in [1, %d], got %d", nFeatures, m.count)
		}
		return m.count, nil
	case maxFeaturesFraction:
		if m.fraction <= 0 || m.fraction > 1 {
			return 0, errors.Errorf("max_features fraction must be in (0, 1], got %g", m.fraction)
		}
		return maxInt(1, int(m.fraction*float64(nFeatures))), nil
	case maxFeaturesSqrt:
		return maxInt(1, int(math.Sqrt(float64(nFeatures)))), nil
	case maxFeaturesLog2:
		return maxInt(1, int(math.Log2(float64(nFeatures)))), nil
	case maxFeaturesAuto:
		if task == TaskClassification {
			return maxInt(1, int(math.Sqrt(float64(nFeatures)))), nil
		}
		return nFeatures, nil
	}
	return 0, errors.New("invalid value for max_features")
}

const (
	defaultMinSamplesSplit       = 40
	defaultMinSamplesLeafTreated = 10
	defaultMinSamplesLeafControl = 10
	defaultFastBins              = 32
	unboundedDepth               = math.MaxInt32
)

//TreeParams collect arguments required to grow an uplift tree.
//Nil pointers mean the option is unset.
type TreeParams struct {
	Criterion             string
	Splitter              string
	Task                  Task
	MaxDepth              *int
	MinSamplesSplit       *int
	MinSamplesLeaf        *int // defaults to MinSamplesLeafTreated + MinSamplesLeafControl
	MinSamplesLeafTreated *int
	MinSamplesLeafControl *int
	MaxFeatures           MaxFeatures
	MaxLeafNodes          *int // unset or negative grows depth first
	RandomState           *int64
	FastBins              int // candidate thresholds per feature for the fast splitter
	NGroups               int // inferred from the data when zero
	Logger                *zap.Logger
}

//IntPtr returns a pointer to a copy of v, for the optional TreeParams fields.
func IntPtr(v int) *int { return &v }

//Int64Ptr returns a pointer to a copy of v.
func Int64Ptr(v int64) *int64 { return &v }

//ConfigError is the single failure reported for an invalid configuration.
//It holds every problem found.
type ConfigError struct {
	err error
}

func (e *ConfigError) Error() string {
	return "invalid tree configuration: " + e.err.Error()
}

func (e *ConfigError) Unwrap() error { return e.err }

//Problems lists the individual configuration problems.
func (e *ConfigError) Problems() []error { return multierr.Errors(e.err) }

//buildConfig is a validated TreeParams resolved against a data set.
type buildConfig struct {
	criterion             CriterionKind
	splitter              SplitterKind
	task                  Task
	maxDepth              int
	minSamplesSplit       int
	minSamplesLeaf        int
	minSamplesLeafTreated int
	minSamplesLeafControl int
	maxFeatures           int
	maxLeafNodes          int
	fastBins              int
	nGroups               int
	seed                  int64
	logger                *zap.Logger
}

func (c buildConfig) bestFirst() bool { return c.maxLeafNodes > 0 }

func positiveOr(name string, value *int, fallback int, errs *error) int {
	if value == nil {
		return fallback
	}
	if *value < 1 {
		*errs = multierr.Append(*errs, errors.Errorf("%s must be >= 1, got %d", name, *value))
	}
	return *value
}

//Validate checks the parameters against the dimensions of a data set and resolves the
//effective limits. All problems are reported together as a *ConfigError.
func (p TreeParams) Validate(nFeatures, nGroups int) (cfg buildConfig, err error) {
	var errs error

	cfg.task = p.Task
	if p.Task != TaskClassification && p.Task != TaskRegression {
		errs = multierr.Append(errs, errors.Errorf("unknown task %d", int(p.Task)))
	}

	criterion, cerr := ParseCriterion(p.Criterion)
	if cerr != nil {
		errs = multierr.Append(errs, cerr)
	} else if !criterion.Supports(p.Task) {
		errs = multierr.Append(errs, errors.Errorf("criterion %s is not available for %s", criterion, p.Task))
	}
	cfg.criterion = criterion

	splitter, serr := ParseSplitter(p.Splitter)
	errs = multierr.Append(errs, serr)
	cfg.splitter = splitter

	cfg.maxDepth = unboundedDepth
	if p.MaxDepth != nil {
		if *p.MaxDepth < 0 {
			errs = multierr.Append(errs, errors.Errorf("max_depth must be >= 0, got %d", *p.MaxDepth))
		}
		cfg.maxDepth = *p.MaxDepth
	}

	minSamplesSplit := positiveOr("min_samples_split", p.MinSamplesSplit, defaultMinSamplesSplit, &errs)
	cfg.minSamplesLeafTreated = positiveOr("min_samples_leaf_treated", p.MinSamplesLeafTreated, defaultMinSamplesLeafTreated, &errs)
	cfg.minSamplesLeafControl = positiveOr("min_samples_leaf_control", p.MinSamplesLeafControl, defaultMinSamplesLeafControl, &errs)
	if p.MinSamplesLeaf == nil {
		cfg.minSamplesLeaf = cfg.minSamplesLeafTreated + cfg.minSamplesLeafControl
	} else {
		cfg.minSamplesLeaf = positiveOr("min_samples_leaf", p.MinSamplesLeaf, 0, &errs)
		if cfg.minSamplesLeaf < cfg.minSamplesLeafTreated || cfg.minSamplesLeaf < cfg.minSamplesLeafControl {
			errs = multierr.Append(errs, errors.Errorf(
				"min_samples_leaf (%d) must be >= min_samples_leaf_treated (%d) and min_samples_leaf_control (%d)",
				cfg.minSamplesLeaf, cfg.minSamplesLeafTreated, cfg.minSamplesLeafControl))
		}
	}
	cfg.minSamplesSplit = maxInt(minSamplesSplit, 2*cfg.minSamplesLeaf)

	if nFeatures < 1 {
		errs = multierr.Append(errs, errors.New("at least one feature is required"))
	} else {
		maxFeatures, merr := p.MaxFeatures.resolve(nFeatures, p.Task)
		errs = multierr.Append(errs, merr)
		cfg.maxFeatures = maxFeatures
	}

	cfg.maxLeafNodes = -1
	if p.MaxLeafNodes != nil {
		if *p.MaxLeafNodes == 0 {
			errs = multierr.Append(errs, errors.New("max_leaf_nodes must be positive, or negative for depth-first growth"))
		}
		if *p.MaxLeafNodes > 0 {
			cfg.maxLeafNodes = *p.MaxLeafNodes
		}
	}

	cfg.fastBins = defaultFastBins
	if p.FastBins < 0 {
		errs = multierr.Append(errs, errors.Errorf("fast_bins must be >= 1, got %d", p.FastBins))
	} else if p.FastBins > 0 {
		cfg.fastBins = p.FastBins
	}

	cfg.nGroups = nGroups
	if p.NGroups > 0 {
		if p.NGroups < nGroups {
			errs = multierr.Append(errs, errors.Errorf("n_groups is %d but group labels reach %d", p.NGroups, nGroups-1))
		}
		cfg.nGroups = p.NGroups
	}
	if cfg.nGroups < 1 {
		errs = multierr.Append(errs, errors.New("at least one group is required"))
	}

	if p.RandomState != nil {
		cfg.seed = *p.RandomState
	} else {
		cfg.seed = time.Now().UnixNano()
	}

	cfg.logger = p.Logger
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	if errs != nil {
		return buildConfig{}, &ConfigError{err: errs}
	}
	return cfg, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
