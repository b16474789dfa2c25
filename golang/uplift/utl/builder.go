package utl

import (
	"github.com/golang-collections/go-datastructures/queue"
	"go.uber.org/zap"
)

//TreeBuilder grows a tree over the samples owned by its splitter.
type TreeBuilder interface {
	Build(tree *Tree)
}

//newTreeBuilder selects best-first growth when a leaf budget is configured.
func newTreeBuilder(cfg buildConfig, splitter Splitter) TreeBuilder {
	if cfg.bestFirst() {
		return &BestFirstTreeBuilder{builderBase: builderBase{cfg: cfg, splitter: splitter}}
	}
	return &DepthFirstTreeBuilder{builderBase: builderBase{cfg: cfg, splitter: splitter}}
}

type builderBase struct {
	cfg      buildConfig
	splitter Splitter
	values   []float64
	weights  []float64
}

//nodeStats reads the values of the node the criterion was last initialized on.
func (b *builderBase) nodeStats() (values, weights []float64) {
	if b.values == nil {
		b.values = make([]float64, b.cfg.nGroups)
		b.weights = make([]float64, b.cfg.nGroups)
	}
	crit := b.splitter.Criterion()
	crit.LeafValues(b.values)
	crit.GroupWeights(b.weights)
	return b.values, b.weights
}

//isLeaf applies the stopping rules that need no split search. A node with zero impurity is
//a leaf.
func (b *builderBase) isLeaf(start, end, depth int, impurity float64) bool {
	n := end - start
	return depth >= b.cfg.maxDepth ||
		n < b.cfg.minSamplesSplit ||
		n < 2*b.cfg.minSamplesLeaf ||
		impurity <= pureImpurity
}

func (b *builderBase) logSplit(nodeID, depth int, split SplitRecord) {
	b.cfg.logger.Debug("split node",
		zap.Int("node", nodeID),
		zap.Int("depth", depth),
		zap.Int("feature", split.Feature),
		zap.Float64("threshold", split.Threshold),
		zap.Float64("improvement", split.Improvement),
		zap.Bool("missing_go_left", split.MissingGoLeft),
	)
}

func (b *builderBase) logTree(tree *Tree, strategy string) {
	b.cfg.logger.Info("tree built",
		zap.String("strategy", strategy),
		zap.Int("nodes", tree.NodeCount()),
		zap.Int("leaves", tree.LeafCount()),
		zap.Int("max_depth", tree.MaxDepth()),
	)
}

//stackRecord is a frontier entry of depth-first growth.
type stackRecord struct {
	start, end        int
	depth             int
	parent            int
	isLeft            bool
	nConstantFeatures int
}

//DepthFirstTreeBuilder expands nodes in LIFO order, bounded by depth and node size.
type DepthFirstTreeBuilder struct {
	builderBase
}

func (b *DepthFirstTreeBuilder) Build(tree *Tree) {
	nSamples := len(b.splitter.Samples())
	stack := []stackRecord{{start: 0, end: nSamples, depth: 0, parent: TreeLeaf}}

	for len(stack) > 0 {
		record := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		b.splitter.NodeReset(record.start, record.end)
		crit := b.splitter.Criterion()
		impurity := crit.NodeImpurity()
		isLeaf := b.isLeaf(record.start, record.end, record.depth, impurity)

		var split SplitRecord
		nConstant := record.nConstantFeatures
		if !isLeaf {
			var found bool
			split, nConstant, found = b.splitter.SplitNode(impurity, nConstant)
			isLeaf = !found
		}

		values, weights := b.nodeStats()
		nodeID := tree.AddNode(record.parent, record.isLeft, isLeaf, split.Feature, split.Threshold, split.MissingGoLeft,
			impurity, record.end-record.start, crit.WeightedNSamples(), record.depth, values, weights)
		if isLeaf {
			continue
		}
		b.logSplit(nodeID, record.depth, split)

		stack = append(stack,
			stackRecord{start: split.Pos, end: record.end, depth: record.depth + 1, parent: nodeID, isLeft: false, nConstantFeatures: nConstant},
			stackRecord{start: record.start, end: split.Pos, depth: record.depth + 1, parent: nodeID, isLeft: true, nConstantFeatures: nConstant},
		)
	}
	b.logTree(tree, "depth-first")
}

//frontierRecord is a node already stored as a leaf together with its best split.
type frontierRecord struct {
	nodeID     int
	start, end int
	depth      int
	split      SplitRecord
}

//Compare orders records by improvement for the ascending queue: the most improving record is
//the smallest one. Equal improvements keep the order nodes were created in.
func (r *frontierRecord) Compare(other queue.Item) int {
	o := other.(*frontierRecord)
	switch {
	case r.split.Improvement > o.split.Improvement:
		return -1
	case r.split.Improvement < o.split.Improvement:
		return 1
	case r.nodeID < o.nodeID:
		return -1
	case r.nodeID > o.nodeID:
		return 1
	}
	return 0
}

//BestFirstTreeBuilder expands the pending split with the highest improvement first until the
//tree has max_leaf_nodes leaves.
type BestFirstTreeBuilder struct {
	builderBase
}

//addNode stores the range as a leaf and returns its frontier record if it can be split.
func (b *BestFirstTreeBuilder) addNode(tree *Tree, parent int, isLeft bool, start, end, depth int) *frontierRecord {
	b.splitter.NodeReset(start, end)
	crit := b.splitter.Criterion()
	impurity := crit.NodeImpurity()
	isLeaf := b.isLeaf(start, end, depth, impurity)

	var split SplitRecord
	if !isLeaf {
		var found bool
		// constant features of the parent may be overwritten by the time a queued node expands
		split, _, found = b.splitter.SplitNode(impurity, 0)
		isLeaf = !found
	}

	values, weights := b.nodeStats()
	nodeID := tree.AddNode(parent, isLeft, true, TreeUndefined, 0, false,
		impurity, end-start, crit.WeightedNSamples(), depth, values, weights)
	if isLeaf {
		return nil
	}
	return &frontierRecord{nodeID: nodeID, start: start, end: end, depth: depth, split: split}
}

func (b *BestFirstTreeBuilder) Build(tree *Tree) {
	nSamples := len(b.splitter.Samples())
	frontier := queue.NewPriorityQueue(b.cfg.maxLeafNodes)

	if root := b.addNode(tree, TreeLeaf, false, 0, nSamples, 0); root != nil {
		_ = frontier.Put(root)
	}

	for splitsLeft := b.cfg.maxLeafNodes - 1; splitsLeft > 0 && frontier.Len() > 0; splitsLeft-- {
		items, err := frontier.Get(1)
		if err != nil || len(items) == 0 {
			break
		}
		record := items[0].(*frontierRecord)

		tree.setSplit(record.nodeID, record.split)
		b.logSplit(record.nodeID, record.depth, record.split)

		left := b.addNode(tree, record.nodeID, true, record.start, record.split.Pos, record.depth+1)
		right := b.addNode(tree, record.nodeID, false, record.split.Pos, record.end, record.depth+1)
		for _, child := range []*frontierRecord{left, right} {
			if child != nil {
				_ = frontier.Put(child)
			}
		}
	}
	b.logTree(tree, "best-first")
}
