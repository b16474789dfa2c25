package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tarstars/uplift_trees/golang/uplift/utl"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

var (
	configFile string
	memprofile string
	verbose    bool

	logger *zap.Logger
)

//newLogger writes info and debug entries to stdout and errors to stderr as JSON.
func newLogger(verbose bool) *zap.Logger {
	minLevel := zapcore.InfoLevel
	if verbose {
		minLevel = zapcore.DebugLevel
	}
	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel && lvl < zapcore.ErrorLevel
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), isErrorLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), isInfoLevel),
	)
	return zap.New(core, zap.AddCaller())
}

func checkError(err error) {
	if err != nil {
		logger.Fatal("uplift failed", zap.Error(err))
	}
}

//decodeConfig reads a JSON config, or a YAML one when the file has a .yaml or .yml extension.
func decodeConfig(srcConfig string, out interface{}) error {
	content, err := os.ReadFile(srcConfig)
	if err != nil {
		return errors.Wrapf(err, "read config %s", srcConfig)
	}
	switch strings.ToLower(filepath.Ext(srcConfig)) {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(content, out)
	default:
		err = json.Unmarshal(content, out)
	}
	return errors.Wrapf(err, "decode config %s", srcConfig)
}

type DataConfig struct {
	Description      string `json:"description" yaml:"description"`
	FileNameFeatures string `json:"filename_features" yaml:"filename_features"`
	FileNameTarget   string `json:"filename_target" yaml:"filename_target"`
	FileNameWeight   string `json:"filename_weight" yaml:"filename_weight"`
	FileNameGroup    string `json:"filename_group" yaml:"filename_group"`
}

func (dc DataConfig) read() (utl.UMatrix, error) {
	um, err := utl.ReadUMatrix(dc.FileNameFeatures, dc.FileNameTarget, dc.FileNameWeight, dc.FileNameGroup)
	if err != nil {
		return utl.UMatrix{}, err
	}
	description := dc.Description
	if description == "" {
		description = dc.FileNameFeatures
	}
	um.SetDescription(description)
	return um, nil
}

type TrainConfig struct {
	Train         DataConfig      `json:"train" yaml:"train"`
	Tests         []DataConfig    `json:"tests" yaml:"tests"`
	FileNameModel string          `json:"filename_model" yaml:"filename_model"`
	Task          string          `json:"task" yaml:"task"`
	Criterion     string          `json:"criterion" yaml:"criterion"`
	Splitter      string          `json:"splitter" yaml:"splitter"`
	MaxDepth      *int            `json:"max_depth" yaml:"max_depth"`
	MinSplit      *int            `json:"min_samples_split" yaml:"min_samples_split"`
	MinLeaf       *int            `json:"min_samples_leaf" yaml:"min_samples_leaf"`
	MinTreated    *int            `json:"min_samples_leaf_treated" yaml:"min_samples_leaf_treated"`
	MinControl    *int            `json:"min_samples_leaf_control" yaml:"min_samples_leaf_control"`
	MaxFeatures   utl.MaxFeatures `json:"max_features" yaml:"max_features"`
	MaxLeafNodes  *int            `json:"max_leaf_nodes" yaml:"max_leaf_nodes"`
	RandomState   *int64          `json:"random_state" yaml:"random_state"`
	FastBins      int             `json:"fast_bins" yaml:"fast_bins"`
	NGroups       int             `json:"n_groups" yaml:"n_groups"`
}

func (tc TrainConfig) params() (utl.TreeParams, error) {
	task, err := utl.ParseTask(tc.Task)
	if err != nil {
		return utl.TreeParams{}, err
	}
	return utl.TreeParams{
		Criterion:             tc.Criterion,
		Splitter:              tc.Splitter,
		Task:                  task,
		MaxDepth:              tc.MaxDepth,
		MinSamplesSplit:       tc.MinSplit,
		MinSamplesLeaf:        tc.MinLeaf,
		MinSamplesLeafTreated: tc.MinTreated,
		MinSamplesLeafControl: tc.MinControl,
		MaxFeatures:           tc.MaxFeatures,
		MaxLeafNodes:          tc.MaxLeafNodes,
		RandomState:           tc.RandomState,
		FastBins:              tc.FastBins,
		NGroups:               tc.NGroups,
		Logger:                logger,
	}, nil
}

func train(srcConfig string) error {
	var trainConfig TrainConfig
	if err := decodeConfig(srcConfig, &trainConfig); err != nil {
		return err
	}
	params, err := trainConfig.params()
	if err != nil {
		return err
	}

	logger.Info("load train", zap.String("features", trainConfig.Train.FileNameFeatures))
	umTrain, err := trainConfig.Train.read()
	if err != nil {
		return err
	}
	umTests := []utl.UMatrix{umTrain}
	for _, testConfig := range trainConfig.Tests {
		um, err := testConfig.read()
		if err != nil {
			return err
		}
		umTests = append(umTests, um)
	}

	model := utl.NewUpliftTree(params)
	if err := model.FitUMatrix(umTrain); err != nil {
		return err
	}
	if model.NGroups() > 1 {
		for _, um := range umTests {
			if _, err := um.Message(model, logger); err != nil {
				return err
			}
		}
	}
	if err := model.Save(trainConfig.FileNameModel); err != nil {
		return err
	}
	logger.Info("model saved", zap.String("filename", trainConfig.FileNameModel))
	return nil
}

type PredictConfig struct {
	FileNameFeatures   string `json:"filename_features" yaml:"filename_features"`
	FileNameModel      string `json:"filename_model" yaml:"filename_model"`
	FileNamePrediction string `json:"filename_prediction" yaml:"filename_prediction"`
}

func predictWith(srcConfig string, predictor func(*utl.UpliftTree, *utl.UMatrix) error) error {
	var predictConfig PredictConfig
	if err := decodeConfig(srcConfig, &predictConfig); err != nil {
		return err
	}
	features, err := utl.ReadNpy(predictConfig.FileNameFeatures)
	if err != nil {
		return err
	}
	model, err := utl.LoadModel(predictConfig.FileNameModel)
	if err != nil {
		return err
	}
	um := utl.UMatrix{Features: features}
	if err := predictor(model, &um); err != nil {
		return err
	}
	if err := utl.WriteNpy(predictConfig.FileNamePrediction, um.Target); err != nil {
		return err
	}
	logger.Info("prediction written",
		zap.String("filename", predictConfig.FileNamePrediction),
		zap.Int("rows", utl.Height(um.Target)),
	)
	return nil
}

func predict(srcConfig string) error {
	return predictWith(srcConfig, func(model *utl.UpliftTree, um *utl.UMatrix) (err error) {
		um.Target, err = model.Predict(um.Features)
		return err
	})
}

func uplift(srcConfig string) error {
	return predictWith(srcConfig, func(model *utl.UpliftTree, um *utl.UMatrix) (err error) {
		um.Target, err = model.Uplift(um.Features)
		return err
	})
}

type GraphConfig struct {
	FileNameModel string `json:"filename_model" yaml:"filename_model"`
	FigureType    string `json:"figure_type" yaml:"figure_type"`
	FileNameGraph string `json:"filename_graph" yaml:"filename_graph"`
}

func graph(srcConfig string) error {
	var graphConfig GraphConfig
	if err := decodeConfig(srcConfig, &graphConfig); err != nil {
		return err
	}
	if graphConfig.FigureType == "" {
		graphConfig.FigureType = "svg"
	}
	model, err := utl.LoadModel(graphConfig.FileNameModel)
	if err != nil {
		return err
	}
	return model.RenderTree(graphConfig.FileNameGraph, graphConfig.FigureType)
}

type SummaryConfig struct {
	FileNameModel string `json:"filename_model" yaml:"filename_model"`
}

func summary(srcConfig string) error {
	var summaryConfig SummaryConfig
	if err := decodeConfig(srcConfig, &summaryConfig); err != nil {
		return err
	}
	model, err := utl.LoadModel(summaryConfig.FileNameModel)
	if err != nil {
		return err
	}
	tree := model.Tree()
	logger.Info("tree",
		zap.Int("nodes", tree.NodeCount()),
		zap.Int("leaves", tree.LeafCount()),
		zap.Int("max_depth", tree.MaxDepth()),
		zap.Int("groups", tree.NGroups),
	)
	fmt.Printf("node values\n%v\n", tree.ValueTensor())
	return nil
}

func writeMemProfile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "could not create memory profile")
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	return errors.Wrap(pprof.WriteHeapProfile(f), "could not write memory profile")
}

func modeCmd(use, short string, run func(string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			checkError(run(configFile))
			if memprofile != "" {
				checkError(writeMemProfile(memprofile))
			}
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "uplift",
		Short: "grow uplift decision trees and apply them to npy data sets",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newLogger(verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "uplift_config.json", "a config file for the run of the program")
	root.PersistentFlags().StringVar(&memprofile, "memprofile", "", "write memory profile to `file`")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every split")

	root.AddCommand(
		modeCmd("train", "fit a tree on a data set and save it", train),
		modeCmd("predict", "write the per-group leaf values of a data set", predict),
		modeCmd("uplift", "write the uplift of every treated group for a data set", uplift),
		modeCmd("graph", "render a saved tree", graph),
		modeCmd("summary", "print the size and the node values of a saved tree", summary),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
