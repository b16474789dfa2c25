package utl

import (
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

const (
	//TreeLeaf marks the missing children of a leaf.
	TreeLeaf = -1
	//TreeUndefined is the feature of a leaf.
	TreeUndefined = -2
)

//Node is a node of a tree. Tree is stored in an array. LeftChild and RightChild are equal to
//TreeLeaf when the current node is a leaf otherwise they contain array indices of children.
type Node struct {
	LeftChild        int     `json:"left_child"`
	RightChild       int     `json:"right_child"`
	Feature          int     `json:"feature"`
	Threshold        float64 `json:"threshold"`
	MissingGoLeft    bool    `json:"missing_go_left"`
	Impurity         float64 `json:"impurity"`
	NSamples         int     `json:"n_samples"`
	WeightedNSamples float64 `json:"weighted_n_samples"`
	Depth            int     `json:"depth"`
}

//IsLeaf returns whether this node has no children.
func (node Node) IsLeaf() bool {
	return node.LeftChild == TreeLeaf
}

//Tree is the grown structure: the node array plus per-node per-group outcome values and
//weighted sample counts, both stored node-major with NGroups entries per node.
type Tree struct {
	NGroups      int       `json:"n_groups"`
	NFeatures    int       `json:"n_features"`
	Nodes        []Node    `json:"nodes"`
	Values       []float64 `json:"values"`
	GroupWeights []float64 `json:"group_weights"`
}

//NewTree creates an empty tree.
func NewTree(nFeatures, nGroups int) *Tree {
	return &Tree{NGroups: nGroups, NFeatures: nFeatures}
}

//grow doubles the capacity of the node arrays once they are full.
func (t *Tree) grow() {
	if len(t.Nodes) < cap(t.Nodes) {
		return
	}
	capacity := 2 * cap(t.Nodes)
	if capacity < 3 {
		capacity = 3
	}
	nodes := make([]Node, len(t.Nodes), capacity)
	copy(nodes, t.Nodes)
	t.Nodes = nodes

	values := make([]float64, len(t.Values), capacity*t.NGroups)
	copy(values, t.Values)
	t.Values = values

	weights := make([]float64, len(t.GroupWeights), capacity*t.NGroups)
	copy(weights, t.GroupWeights)
	t.GroupWeights = weights
}

//AddNode appends a node and wires it into the child slot of parent when parent >= 0.
//Split nodes get their children through later AddNode calls.
func (t *Tree) AddNode(parent int, isLeft, isLeaf bool, feature int, threshold float64, missingGoLeft bool,
	impurity float64, nSamples int, weightedNSamples float64, depth int, values, groupWeights []float64) int {
	t.grow()
	nodeID := len(t.Nodes)
	node := Node{
		LeftChild:        TreeLeaf,
		RightChild:       TreeLeaf,
		Feature:          TreeUndefined,
		Threshold:        0,
		Impurity:         impurity,
		NSamples:         nSamples,
		WeightedNSamples: weightedNSamples,
		Depth:            depth,
	}
	if !isLeaf {
		node.Feature = feature
		node.Threshold = threshold
		node.MissingGoLeft = missingGoLeft
	}
	t.Nodes = append(t.Nodes, node)
	t.Values = append(t.Values, values[:t.NGroups]...)
	t.GroupWeights = append(t.GroupWeights, groupWeights[:t.NGroups]...)

	if parent >= 0 {
		if isLeft {
			t.Nodes[parent].LeftChild = nodeID
		} else {
			t.Nodes[parent].RightChild = nodeID
		}
	}
	return nodeID
}

//setSplit turns a node stored as a leaf into a split node. Its children follow with AddNode.
func (t *Tree) setSplit(nodeID int, split SplitRecord) {
	node := &t.Nodes[nodeID]
	node.Feature = split.Feature
	node.Threshold = split.Threshold
	node.MissingGoLeft = split.MissingGoLeft
}

//NodeCount is the number of nodes in the tree.
func (t *Tree) NodeCount() int { return len(t.Nodes) }

//LeafCount is the number of leaves in the tree.
func (t *Tree) LeafCount() int {
	leaves := 0
	for _, node := range t.Nodes {
		if node.IsLeaf() {
			leaves++
		}
	}
	return leaves
}

//MaxDepth is the depth of the deepest node, the root being at depth 0.
func (t *Tree) MaxDepth() int {
	depth := 0
	for _, node := range t.Nodes {
		if node.Depth > depth {
			depth = node.Depth
		}
	}
	return depth
}

//NodeValues returns the per-group values of a node.
func (t *Tree) NodeValues(nodeID int) []float64 {
	return t.Values[nodeID*t.NGroups : (nodeID+1)*t.NGroups]
}

//NodeGroupWeights returns the per-group weighted sample counts of a node.
func (t *Tree) NodeGroupWeights(nodeID int) []float64 {
	return t.GroupWeights[nodeID*t.NGroups : (nodeID+1)*t.NGroups]
}

//validate checks a tree read from outside so that traversal cannot leave the node array.
//Children are always stored after their parent.
func (t *Tree) validate() error {
	if t.NGroups < 1 || t.NFeatures < 1 {
		return errors.Errorf("tree with %d groups and %d features", t.NGroups, t.NFeatures)
	}
	if len(t.Nodes) == 0 {
		return errors.New("tree holds no nodes")
	}
	if len(t.Values) != len(t.Nodes)*t.NGroups || len(t.GroupWeights) != len(t.Nodes)*t.NGroups {
		return errors.Errorf("%d values and %d group weights for %d nodes of %d groups",
			len(t.Values), len(t.GroupWeights), len(t.Nodes), t.NGroups)
	}
	for nodeID, node := range t.Nodes {
		if node.IsLeaf() {
			if node.RightChild != TreeLeaf {
				return errors.Errorf("node %d has a right child only", nodeID)
			}
			continue
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= nodeID || child >= len(t.Nodes) {
				return errors.Errorf("node %d has child %d out of (%d, %d)", nodeID, child, nodeID, len(t.Nodes))
			}
		}
		if node.Feature < 0 || node.Feature >= t.NFeatures {
			return errors.Errorf("node %d splits on feature %d of %d", nodeID, node.Feature, t.NFeatures)
		}
	}
	return nil
}

//leafOf drops a feature vector down the tree and returns the index of the leaf it ends up in.
func (t *Tree) leafOf(row []float64) int {
	if len(t.Nodes) == 0 {
		panic("tree not initialized")
	}
	ind := 0
	for !t.Nodes[ind].IsLeaf() {
		node := &t.Nodes[ind]
		if goesLeft(row[node.Feature], node.Threshold, node.MissingGoLeft) {
			ind = node.LeftChild
		} else {
			ind = node.RightChild
		}
	}
	return ind
}

//Apply returns the leaf index of every row of features.
func (t *Tree) Apply(features *mat.Dense) []int {
	h, _ := features.Dims()
	leaves := make([]int, h)
	for p := 0; p < h; p++ {
		leaves[p] = t.leafOf(features.RawRowView(p))
	}
	return leaves
}

//Predict returns the per-group values of the leaf every row of features falls in.
func (t *Tree) Predict(features *mat.Dense) *mat.Dense {
	h, _ := features.Dims()
	prediction := mat.NewDense(h, t.NGroups, nil)
	for p := 0; p < h; p++ {
		prediction.SetRow(p, t.NodeValues(t.leafOf(features.RawRowView(p))))
	}
	return prediction
}

//ValueTensor returns a (node count, n groups) tensor with a copy of the node values.
func (t *Tree) ValueTensor() *tensor.Dense {
	backing := make([]float64, len(t.Values))
	copy(backing, t.Values)
	return tensor.New(tensor.WithShape(len(t.Nodes), t.NGroups), tensor.WithBacking(backing))
}

//GraphDescription returns the description of a tree node for tree rendering as a graph
func (t *Tree) GraphDescription(nodeID int) string {
	node := t.Nodes[nodeID]
	var sb strings.Builder
	sb.WriteString(fmt.Sprintln("#", node.NSamples))
	sb.WriteString(fmt.Sprintln("id: ", nodeID))
	sb.WriteString(fmt.Sprintln("divergence: ", node.Impurity))
	if node.IsLeaf() {
		sb.WriteString("[")
		for _, val := range t.NodeValues(nodeID) {
			sb.WriteString(fmt.Sprintf("  %6.4f,\n", val))
		}
		sb.WriteString("]")
		return sb.String()
	}
	missing := "right"
	if node.MissingGoLeft {
		missing = "left"
	}
	sb.WriteString(fmt.Sprintf("f_%d <= %6.5f\nNaN: %s", node.Feature, node.Threshold, missing))
	return sb.String()
}

func recurrentDraw(g *cgraph.Graph, tree *Tree, nodeNumber int, parentNode *cgraph.Node) error {
	currentNode, err := g.CreateNode(fmt.Sprint(nodeNumber))
	if err != nil {
		return err
	}

	if parentNode != nil {
		if _, err := g.CreateEdge("", parentNode, currentNode); err != nil {
			return err
		}
	}

	currentNode.Set("label", tree.GraphDescription(nodeNumber))
	if tree.Nodes[nodeNumber].IsLeaf() {
		currentNode.Set("shape", "box")
		return nil
	}
	if err := recurrentDraw(g, tree, tree.Nodes[nodeNumber].LeftChild, currentNode); err != nil {
		return err
	}
	return recurrentDraw(g, tree, tree.Nodes[nodeNumber].RightChild, currentNode)
}

//DrawGraph lays the tree out as a graphviz graph.
func (t *Tree) DrawGraph() (*graphviz.Graphviz, *cgraph.Graph, error) {
	graphViz := graphviz.New()
	graph, err := graphViz.Graph()
	if err != nil {
		return nil, nil, err
	}

	if err := recurrentDraw(graph, t, 0, nil); err != nil {
		return nil, nil, err
	}
	return graphViz, graph, nil
}
