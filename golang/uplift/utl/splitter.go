package utl

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const (
	//values closer than featureThreshold are treated as equal
	featureThreshold = 1e-7
	//a split must raise the divergence by more than minImprovement
	minImprovement = 1e-7
	//relative tolerance for ties between proxy improvements
	proxyTolerance = 1e-12
)

//SplitRecord contains results of the split selection algorithm.
//Samples [start, Pos) go to the left child, [Pos, end) to the right one.
type SplitRecord struct {
	Feature       int
	Threshold     float64
	Pos           int
	Improvement   float64
	ImpurityLeft  float64
	ImpurityRight float64
	MissingGoLeft bool
}

//Splitter searches the best split of one node.
type Splitter interface {
	//NodeReset initializes the criterion over samples[start:end].
	NodeReset(start, end int)
	//SplitNode returns the best split of the range last passed to NodeReset and partitions the
	//range accordingly. nConstant features at the head of the feature array are known to be
	//constant in the range; the returned count includes the ones found here.
	SplitNode(impurity float64, nConstant int) (split SplitRecord, nConstantOut int, found bool)
	Criterion() Criterion
	Samples() []int
}

//trainingData keeps the arrays a tree is grown from.
type trainingData struct {
	x       *mat.Dense
	y, w    []float64
	groups  []int
	samples []int
}

//positionsFunc yields candidate split positions in (start, end].
type positionsFunc func(start, end int) IntIterable

type upliftSplitter struct {
	data      trainingData
	raw       []float64
	stride    int
	criterion Criterion
	limits    LeafLimits
	positions positionsFunc

	maxFeatures      int
	features         []int
	constantFeatures []int
	featureValues    []float64
	start, end       int
	rng              *rand.Rand
}

//NewBestSplitter evaluates every boundary between distinct feature values.
func NewBestSplitter(criterion Criterion, limits LeafLimits, maxFeatures int, rng *rand.Rand) Splitter {
	return newUpliftSplitter(criterion, limits, maxFeatures, rng, func(start, end int) IntIterable {
		return NewRange(start+1, end+1, 1)
	})
}

//NewFastSplitter evaluates at most bins positions per feature, spread evenly over the sorted range.
func NewFastSplitter(criterion Criterion, limits LeafLimits, maxFeatures, bins int, rng *rand.Rand) Splitter {
	return newUpliftSplitter(criterion, limits, maxFeatures, rng, func(start, end int) IntIterable {
		return NewBinnedRange(start+1, end+1, bins)
	})
}

func newUpliftSplitter(criterion Criterion, limits LeafLimits, maxFeatures int, rng *rand.Rand, positions positionsFunc) *upliftSplitter {
	return &upliftSplitter{
		criterion:   criterion,
		limits:      limits,
		maxFeatures: maxFeatures,
		rng:         rng,
		positions:   positions,
	}
}

//newSplitter builds the splitter and criterion selected by the configuration over the data.
func newSplitter(cfg buildConfig, data trainingData) Splitter {
	criterion := newCriterion(cfg.criterion, cfg.nGroups)
	limits := LeafLimits{
		MinSamples: cfg.minSamplesLeaf,
		MinTreated: float64(cfg.minSamplesLeafTreated),
		MinControl: float64(cfg.minSamplesLeafControl),
	}
	rng := rand.New(rand.NewSource(cfg.seed))

	var splitter Splitter
	switch cfg.splitter {
	case SplitterBest:
		splitter = NewBestSplitter(criterion, limits, cfg.maxFeatures, rng)
	case SplitterFast:
		splitter = NewFastSplitter(criterion, limits, cfg.maxFeatures, cfg.fastBins, rng)
	default:
		panic("unknown splitter kind")
	}
	splitter.(*upliftSplitter).init(data)
	return splitter
}

func (s *upliftSplitter) init(data trainingData) {
	s.data = data
	raw := data.x.RawMatrix()
	s.raw, s.stride = raw.Data, raw.Stride

	_, nFeatures := data.x.Dims()
	s.features = make([]int, nFeatures)
	for f := range s.features {
		s.features[f] = f
	}
	s.constantFeatures = make([]int, nFeatures)
	s.featureValues = make([]float64, len(data.samples))
	if s.maxFeatures < 1 || s.maxFeatures > nFeatures {
		s.maxFeatures = nFeatures
	}
}

func (s *upliftSplitter) Criterion() Criterion { return s.criterion }

func (s *upliftSplitter) Samples() []int { return s.data.samples }

func (s *upliftSplitter) value(sample, feature int) float64 {
	return s.raw[sample*s.stride+feature]
}

func (s *upliftSplitter) NodeReset(start, end int) {
	s.start, s.end = start, end
	s.criterion.Init(s.data.y, s.data.w, s.data.groups, s.data.samples, start, end)
}

//featureSorter sorts feature values together with their samples.
type featureSorter struct {
	values  []float64
	samples []int
}

func (fs featureSorter) Len() int           { return len(fs.values) }
func (fs featureSorter) Less(i, j int) bool { return fs.values[i] < fs.values[j] }
func (fs featureSorter) Swap(i, j int) {
	fs.values[i], fs.values[j] = fs.values[j], fs.values[i]
	fs.samples[i], fs.samples[j] = fs.samples[j], fs.samples[i]
}

//sortFeature copies the values of feature into featureValues[start:end], moves missing values
//to the end of the range and sorts the rest. It returns the number of missing values.
func (s *upliftSplitter) sortFeature(feature int) int {
	samples := s.data.samples
	values := s.featureValues
	end := s.end
	for p := s.start; p < end; {
		v := s.value(samples[p], feature)
		if math.IsNaN(v) {
			end--
			samples[p], samples[end] = samples[end], samples[p]
			values[end] = v
			continue
		}
		values[p] = v
		p++
	}
	sort.Sort(featureSorter{values: values[s.start:end], samples: samples[s.start:end]})
	return s.end - end
}

func (s *upliftSplitter) better(proxy, best float64, found bool) bool {
	return !found || proxy > best+proxyTolerance*math.Max(1, math.Abs(best))
}

func (s *upliftSplitter) SplitNode(impurity float64, nConstant int) (best SplitRecord, nConstantOut int, found bool) {
	start, end := s.start, s.end
	features := s.features
	values := s.featureValues
	crit := s.criterion

	bestProxy := math.Inf(-1)
	bestMissing := 0

	nKnownConstants := nConstant
	nTotalConstants := nKnownConstants
	nDrawnConstants, nFoundConstants, nVisited := 0, 0, 0

	//features [0, nTotalConstants) are constant, [fI, len) were already visited
	fI := len(features)
	for fI > nTotalConstants && (nVisited < s.maxFeatures || nVisited <= nFoundConstants+nDrawnConstants) {
		nVisited++

		// partial Fisher-Yates over the features neither visited nor known to be constant
		fJ := nDrawnConstants + s.rng.Intn(fI-nFoundConstants-nDrawnConstants)
		if fJ < nKnownConstants {
			features[nDrawnConstants], features[fJ] = features[fJ], features[nDrawnConstants]
			nDrawnConstants++
			continue
		}
		fJ += nFoundConstants
		current := features[fJ]

		nMissing := s.sortFeature(current)
		endNonMissing := end - nMissing
		if endNonMissing == start || (nMissing == 0 && values[end-1] <= values[start]+featureThreshold) {
			features[fJ], features[nTotalConstants] = features[nTotalConstants], current
			nFoundConstants++
			nTotalConstants++
			continue
		}

		fI--
		features[fI], features[fJ] = features[fJ], features[fI]

		crit.SetMissing(nMissing)
		crit.Reset()

		lastPos := start
		positions := s.positions(start, endNonMissing)
		for positions.HasNext() {
			p := positions.GetNext()
			if p <= lastPos {
				continue
			}
			for p < endNonMissing && values[p] <= values[p-1]+featureThreshold {
				p++
			}
			if p == endNonMissing && nMissing == 0 {
				break
			}
			lastPos = p
			crit.Update(p)

			for _, missingLeft := range missingRoutings(nMissing, p == endNonMissing) {
				if !crit.ValidChildren(s.limits, missingLeft) {
					continue
				}
				proxy := crit.ProxyImprovement(missingLeft)
				if !s.better(proxy, bestProxy, found) {
					continue
				}
				found = true
				bestProxy = proxy
				best.Feature = current
				best.MissingGoLeft = missingLeft
				bestMissing = nMissing
				best.Pos = p
				if missingLeft {
					best.Pos += nMissing
				}
				if p < endNonMissing {
					best.Threshold = (values[p-1] + values[p]) / 2.0
					if best.Threshold >= values[p] {
						best.Threshold = values[p-1]
					}
				} else {
					best.Threshold = values[p-1]
				}
			}
		}
	}

	// the head of features holds the known constants again, the found ones are remembered
	copy(features[:nKnownConstants], s.constantFeatures[:nKnownConstants])
	copy(s.constantFeatures[nKnownConstants:nTotalConstants], features[nKnownConstants:nTotalConstants])
	nConstantOut = nTotalConstants

	if !found {
		return SplitRecord{Pos: end}, nConstantOut, false
	}

	pos := s.partition(best)
	if pos != best.Pos {
		panic("partition disagrees with the selected split position")
	}

	crit.SetMissing(0)
	crit.Reset()
	crit.Update(pos)
	best.ImpurityLeft, best.ImpurityRight = crit.ChildrenImpurity(false)
	best.Improvement = crit.ImpurityImprovement(impurity, best.ImpurityLeft, best.ImpurityRight, false)
	if best.Improvement <= minImprovement {
		return SplitRecord{Pos: end}, nConstantOut, false
	}
	// unseen missing values follow the heavier child
	if bestMissing == 0 {
		best.MissingGoLeft = s.weight(start, pos) > s.weight(pos, end)
	}
	return best, nConstantOut, true
}

//weight sums the sample weights of samples[start:end].
func (s *upliftSplitter) weight(start, end int) float64 {
	if s.data.w == nil {
		return float64(end - start)
	}
	total := 0.0
	for _, i := range s.data.samples[start:end] {
		total += s.data.w[i]
	}
	return total
}

//missingRoutings lists the routings of the missing block worth evaluating at a position.
func missingRoutings(nMissing int, atMissingBoundary bool) []bool {
	switch {
	case nMissing == 0:
		return routeRight
	case atMissingBoundary:
		// every present value is on the left already
		return routeRight
	}
	return routeBoth
}

var (
	routeRight = []bool{false}
	routeBoth  = []bool{false, true}
)

//goesLeft is the routing rule shared by the partition and the tree traversal.
func goesLeft(value, threshold float64, missingGoLeft bool) bool {
	if math.IsNaN(value) {
		return missingGoLeft
	}
	return value <= threshold
}

//partition moves the samples routed left by split in front of the others and returns the
//size of the left block plus start.
func (s *upliftSplitter) partition(split SplitRecord) int {
	samples := s.data.samples
	p, q := s.start, s.end
	for p < q {
		if goesLeft(s.value(samples[p], split.Feature), split.Threshold, split.MissingGoLeft) {
			p++
		} else {
			q--
			samples[p], samples[q] = samples[q], samples[p]
		}
	}
	return p
}
