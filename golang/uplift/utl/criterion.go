package utl

import "math"

//Criterion scores the splits of a node by the divergence of outcome distributions between
//treatment groups. It works over a contiguous range [start, end) of the shared sample index
//array; the samples before the current position form the left child.
type Criterion interface {
	//Init computes the per-group totals of samples[start:end].
	Init(y, w []float64, groups []int, samples []int, start, end int)
	//SetMissing declares that the last nMissing samples of the range hold missing feature values.
	//They take no part in Update and are routed as a block to one side.
	SetMissing(nMissing int)
	//Reset moves the split position back to the start of the range.
	Reset()
	//Update moves samples[pos:newPos] from the right accumulators to the left ones.
	Update(newPos int)
	NodeImpurity() float64
	ChildrenImpurity(missingLeft bool) (left, right float64)
	//ProxyImprovement ranks split positions of one node the same way ImpurityImprovement does.
	ProxyImprovement(missingLeft bool) float64
	ImpurityImprovement(parent, left, right float64, missingLeft bool) float64
	//ValidChildren checks the per-side minimum sample counts of the current position.
	ValidChildren(limits LeafLimits, missingLeft bool) bool
	LeafValues(dst []float64)
	GroupWeights(dst []float64)
	NSamples() int
	WeightedNSamples() float64
	//IsPure reports whether the node impurity is zero. A range whose outcomes are all equal is
	//always pure, as is a range where every treated group matches the control group.
	IsPure() bool
	Kind() CriterionKind
}

//LeafLimits are the minimum sizes of a child node.
type LeafLimits struct {
	MinSamples int     // unweighted samples on each side
	MinTreated float64 // weighted samples of every treated group on each side
	MinControl float64 // weighted samples of the control group on each side
}

const (
	//probability clamp for log and ratio based divergences
	probabilityEpsilon = 1e-6
	//divergences up to pureImpurity count as zero
	pureImpurity = 1e-12
)

//groupStats holds weighted outcome sums per group.
type groupStats struct {
	weight []float64
	sum    []float64
	count  []int
}

func newGroupStats(nGroups int) groupStats {
	return groupStats{
		weight: make([]float64, nGroups),
		sum:    make([]float64, nGroups),
		count:  make([]int, nGroups),
	}
}

func (s groupStats) clear() {
	for g := range s.weight {
		s.weight[g] = 0
		s.sum[g] = 0
		s.count[g] = 0
	}
}

func (s groupStats) add(g int, weight, outcome float64) {
	s.weight[g] += weight
	s.sum[g] += weight * outcome
	s.count[g]++
}

func (s groupStats) totals() (weight float64, count int) {
	for g := range s.weight {
		weight += s.weight[g]
		count += s.count[g]
	}
	return
}

type upliftCriterion struct {
	kind    CriterionKind
	nGroups int

	y, w    []float64
	groups  []int
	samples []int

	start, end, pos int
	missingStart    int

	total, left, missing groupStats
	sideLeft, sideRight  groupStats

	weightedNSamples float64
}

func newCriterion(kind CriterionKind, nGroups int) Criterion {
	return &upliftCriterion{
		kind:      kind,
		nGroups:   nGroups,
		total:     newGroupStats(nGroups),
		left:      newGroupStats(nGroups),
		missing:   newGroupStats(nGroups),
		sideLeft:  newGroupStats(nGroups),
		sideRight: newGroupStats(nGroups),
	}
}

func (c *upliftCriterion) Kind() CriterionKind { return c.kind }

func (c *upliftCriterion) sampleWeight(i int) float64 {
	if c.w == nil {
		return 1
	}
	return c.w[i]
}

func (c *upliftCriterion) Init(y, w []float64, groups []int, samples []int, start, end int) {
	c.y, c.w, c.groups, c.samples = y, w, groups, samples
	c.start, c.end = start, end

	c.total.clear()
	for _, i := range samples[start:end] {
		c.total.add(c.groups[i], c.sampleWeight(i), c.y[i])
	}
	c.weightedNSamples, _ = c.total.totals()

	c.SetMissing(0)
	c.Reset()
}

func (c *upliftCriterion) SetMissing(nMissing int) {
	c.missingStart = c.end - nMissing
	c.missing.clear()
	for _, i := range c.samples[c.missingStart:c.end] {
		c.missing.add(c.groups[i], c.sampleWeight(i), c.y[i])
	}
}

func (c *upliftCriterion) Reset() {
	c.pos = c.start
	c.left.clear()
}

func (c *upliftCriterion) Update(newPos int) {
	if newPos > c.missingStart {
		panic("criterion update past the missing values block")
	}
	for _, i := range c.samples[c.pos:newPos] {
		c.left.add(c.groups[i], c.sampleWeight(i), c.y[i])
	}
	c.pos = newPos
}

//sides fills sideLeft and sideRight for the current position.
func (c *upliftCriterion) sides(missingLeft bool) {
	for g := 0; g < c.nGroups; g++ {
		lw, ls, lc := c.left.weight[g], c.left.sum[g], c.left.count[g]
		if missingLeft {
			lw += c.missing.weight[g]
			ls += c.missing.sum[g]
			lc += c.missing.count[g]
		}
		c.sideLeft.weight[g], c.sideLeft.sum[g], c.sideLeft.count[g] = lw, ls, lc
		c.sideRight.weight[g] = c.total.weight[g] - lw
		c.sideRight.sum[g] = c.total.sum[g] - ls
		c.sideRight.count[g] = c.total.count[g] - lc
	}
}

func (c *upliftCriterion) NodeImpurity() float64 {
	return c.divergence(c.total)
}

func (c *upliftCriterion) ChildrenImpurity(missingLeft bool) (left, right float64) {
	c.sides(missingLeft)
	return c.divergence(c.sideLeft), c.divergence(c.sideRight)
}

func (c *upliftCriterion) ProxyImprovement(missingLeft bool) float64 {
	left, right := c.ChildrenImpurity(missingLeft)
	weightLeft, _ := c.sideLeft.totals()
	weightRight, _ := c.sideRight.totals()
	return weightLeft*left + weightRight*right
}

//ImpurityImprovement is the divergence gain of the split: the weighted mean divergence of the
//children minus the divergence of the node.
func (c *upliftCriterion) ImpurityImprovement(parent, left, right float64, missingLeft bool) float64 {
	if c.weightedNSamples <= 0 {
		return 0
	}
	c.sides(missingLeft)
	weightLeft, _ := c.sideLeft.totals()
	weightRight, _ := c.sideRight.totals()
	return (weightLeft*left+weightRight*right)/c.weightedNSamples - parent
}

func (c *upliftCriterion) ValidChildren(limits LeafLimits, missingLeft bool) bool {
	c.sides(missingLeft)
	_, countLeft := c.sideLeft.totals()
	_, countRight := c.sideRight.totals()
	if countLeft < limits.MinSamples || countRight < limits.MinSamples {
		return false
	}
	if c.sideLeft.weight[0] < limits.MinControl || c.sideRight.weight[0] < limits.MinControl {
		return false
	}
	for g := 1; g < c.nGroups; g++ {
		if c.sideLeft.weight[g] < limits.MinTreated || c.sideRight.weight[g] < limits.MinTreated {
			return false
		}
	}
	return true
}

//LeafValues writes the weighted mean outcome of every group. For classification it is the
//probability of the positive class. Groups absent from the range get 0.
func (c *upliftCriterion) LeafValues(dst []float64) {
	for g := 0; g < c.nGroups; g++ {
		dst[g] = groupMean(c.total, g)
	}
}

func (c *upliftCriterion) GroupWeights(dst []float64) {
	copy(dst, c.total.weight)
}

func (c *upliftCriterion) NSamples() int { return c.end - c.start }

func (c *upliftCriterion) WeightedNSamples() float64 { return c.weightedNSamples }

func (c *upliftCriterion) IsPure() bool {
	return c.NodeImpurity() <= pureImpurity
}

func groupMean(s groupStats, g int) float64 {
	if s.weight[g] <= 0 {
		return 0
	}
	return s.sum[g] / s.weight[g]
}

//divergence sums the pairwise divergence of every treated group against the control group.
//Groups without weight contribute nothing.
func (c *upliftCriterion) divergence(s groupStats) float64 {
	if c.nGroups < 2 || s.weight[0] <= 0 {
		return 0
	}
	control := groupMean(s, 0)
	d := 0.0
	for g := 1; g < c.nGroups; g++ {
		if s.weight[g] <= 0 {
			continue
		}
		d += c.kind.pairDivergence(groupMean(s, g), control)
	}
	return d
}

//pairDivergence compares a treated outcome level pt with the control level pc.
func (k CriterionKind) pairDivergence(pt, pc float64) float64 {
	switch k {
	case DeltaDeltaP:
		d := pt - pc
		return d * d
	case EuclideanDivergence:
		d := pt - pc
		return 2 * d * d
	case KLDivergence:
		qt, qc := clampProbability(pt), clampProbability(pc)
		return qt*math.Log(qt/qc) + (1-qt)*math.Log((1-qt)/(1-qc))
	case Chi2Divergence:
		qt, qc := clampProbability(pt), clampProbability(pc)
		d := qt - qc
		return d*d/qc + d*d/(1-qc)
	}
	panic("unknown criterion kind")
}

func clampProbability(p float64) float64 {
	return math.Min(math.Max(p, probabilityEpsilon), 1-probabilityEpsilon)
}
