// SPDX-License-Identifier: Apache-2.0

package main

/*
#cgo CFLAGS: -I.
#include <stdlib.h>
*/
import "C"

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/tarstars/uplift_trees/golang/uplift/utl"
	"gonum.org/v1/gonum/mat"
)

var (
	handleMu   sync.Mutex
	nextHandle uint64 = 1
	models            = make(map[uint64]*utl.UpliftTree)

	lastErrorMu sync.Mutex
	lastError   string
)

func setLastError(err error) {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	if err != nil {
		lastError = err.Error()
	} else {
		lastError = ""
	}
}

func getLastError() string {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	return lastError
}

func storeModel(m *utl.UpliftTree) uint64 {
	handleMu.Lock()
	defer handleMu.Unlock()
	handle := nextHandle
	models[handle] = m
	nextHandle++
	return handle
}

func fetchModel(handle uint64) (*utl.UpliftTree, error) {
	handleMu.Lock()
	defer handleMu.Unlock()
	model, ok := models[handle]
	if !ok {
		return nil, errors.New("invalid model handle")
	}
	return model, nil
}

//export FreeModel
func FreeModel(handle C.ulonglong) {
	handleMu.Lock()
	defer handleMu.Unlock()
	delete(models, uint64(handle))
}

func copyFloatSlice(ptr *C.double, length int) ([]float64, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if length == 0 {
		return nil, nil
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	src := unsafe.Slice((*float64)(unsafe.Pointer(ptr)), length)
	dst := make([]float64, length)
	copy(dst, src)
	return dst, nil
}

func copyIntSlice(ptr *C.longlong, length int) ([]int, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	src := unsafe.Slice((*int64)(unsafe.Pointer(ptr)), length)
	dst := make([]int, length)
	for i, v := range src {
		dst[i] = int(v)
	}
	return dst, nil
}

func sliceFromPtr(ptr *C.double, length int) ([]float64, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if length == 0 {
		return nil, nil
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(ptr)), length), nil
}

func buildDense(ptr *C.double, rows, cols C.int) (*mat.Dense, error) {
	r := int(rows)
	c := int(cols)
	if r <= 0 || c <= 0 {
		return nil, errors.New("invalid matrix dimensions")
	}
	data, err := copyFloatSlice(ptr, r*c)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(r, c, data), nil
}

//optionalInt maps the negative sentinel of the C interface to an unset option.
func optionalInt(v C.int) *int {
	if v < 0 {
		return nil
	}
	return utl.IntPtr(int(v))
}

//export FitModel
func FitModel(
	featuresPtr *C.double,
	rows C.int,
	cols C.int,
	targetPtr *C.double,
	weightPtr *C.double,
	groupPtr *C.longlong,
	task *C.char,
	criterion *C.char,
	splitter *C.char,
	maxFeatures *C.char,
	maxDepth C.int,
	minSamplesSplit C.int,
	minSamplesLeaf C.int,
	minSamplesLeafTreated C.int,
	minSamplesLeafControl C.int,
	maxLeafNodes C.int,
	randomState C.longlong,
) C.ulonglong {
	setLastError(nil)

	features, err := buildDense(featuresPtr, rows, cols)
	if err != nil {
		setLastError(err)
		return 0
	}
	target, err := copyFloatSlice(targetPtr, int(rows))
	if err != nil {
		setLastError(err)
		return 0
	}
	var weight []float64
	if weightPtr != nil {
		if weight, err = copyFloatSlice(weightPtr, int(rows)); err != nil {
			setLastError(err)
			return 0
		}
	}
	groups, err := copyIntSlice(groupPtr, int(rows))
	if err != nil {
		setLastError(err)
		return 0
	}

	goTask, err := utl.ParseTask(C.GoString(task))
	if err != nil {
		setLastError(err)
		return 0
	}
	goMaxFeatures, err := utl.ParseMaxFeatures(C.GoString(maxFeatures))
	if err != nil {
		setLastError(err)
		return 0
	}

	params := utl.TreeParams{
		Criterion:             C.GoString(criterion),
		Splitter:              C.GoString(splitter),
		Task:                  goTask,
		MaxDepth:              optionalInt(maxDepth),
		MinSamplesSplit:       optionalInt(minSamplesSplit),
		MinSamplesLeaf:        optionalInt(minSamplesLeaf),
		MinSamplesLeafTreated: optionalInt(minSamplesLeafTreated),
		MinSamplesLeafControl: optionalInt(minSamplesLeafControl),
		MaxFeatures:           goMaxFeatures,
		MaxLeafNodes:          optionalInt(maxLeafNodes),
	}
	if randomState >= 0 {
		params.RandomState = utl.Int64Ptr(int64(randomState))
	}

	model := utl.NewUpliftTree(params)
	if err := model.Fit(features, target, weight, groups); err != nil {
		setLastError(err)
		return 0
	}
	return C.ulonglong(storeModel(model))
}

//export ModelNGroups
func ModelNGroups(handle C.ulonglong) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return -1
	}
	return C.int(model.NGroups())
}

//export PredictModel
func PredictModel(handle C.ulonglong, featuresPtr *C.double, rows C.int, cols C.int, outputPtr *C.double) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	features, err := buildDense(featuresPtr, rows, cols)
	if err != nil {
		setLastError(err)
		return 2
	}
	prediction, err := model.Predict(features)
	if err != nil {
		setLastError(err)
		return 3
	}
	outSlice, err := sliceFromPtr(outputPtr, int(rows)*model.NGroups())
	if err != nil {
		setLastError(err)
		return 4
	}
	copy(outSlice, prediction.RawMatrix().Data)
	return 0
}

//export ApplyModel
func ApplyModel(handle C.ulonglong, featuresPtr *C.double, rows C.int, cols C.int, outputPtr *C.longlong) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	features, err := buildDense(featuresPtr, rows, cols)
	if err != nil {
		setLastError(err)
		return 2
	}
	leaves, err := model.Apply(features)
	if err != nil {
		setLastError(err)
		return 3
	}
	if outputPtr == nil {
		setLastError(errors.New("null output pointer"))
		return 4
	}
	out := unsafe.Slice((*int64)(unsafe.Pointer(outputPtr)), len(leaves))
	for i, leaf := range leaves {
		out[i] = int64(leaf)
	}
	return 0
}

//export SaveModel
func SaveModel(handle C.ulonglong, path *C.char) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	if err := model.Save(C.GoString(path)); err != nil {
		setLastError(err)
		return 2
	}
	return 0
}

//export LoadModel
func LoadModel(path *C.char) C.ulonglong {
	setLastError(nil)
	model, err := utl.LoadModel(C.GoString(path))
	if err != nil {
		setLastError(err)
		return 0
	}
	return C.ulonglong(storeModel(model))
}

//export RenderTree
func RenderTree(handle C.ulonglong, path, figureType *C.char) C.int {
	setLastError(nil)
	model, err := fetchModel(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	goFigureType := C.GoString(figureType)
	if goFigureType == "" {
		goFigureType = "svg"
	}
	if err := model.RenderTree(C.GoString(path), goFigureType); err != nil {
		setLastError(err)
		return 2
	}
	return 0
}

//export GetLastError
func GetLastError() *C.char {
	errStr := getLastError()
	if errStr == "" {
		return nil
	}
	return C.CString(errStr)
}

//export FreeCString
func FreeCString(str *C.char) {
	if str != nil {
		C.free(unsafe.Pointer(str))
	}
}

func main() {}
