package cluster

import "sort"

// Partitioner assigns contiguous model-layer ranges to nodes. The
// returned map holds, per node id, the ascending layer indices that node
// serves. A node that receives no layers is absent from the map.
type Partitioner interface {
	Partition(nodes []*Node, totalLayers int) map[string][]int
}

// RingPartitioner weights the assignment by available memory, so nodes
// with more headroom hold more layers.
type RingPartitioner struct{}

// Partition implements Partitioner.
func (RingPartitioner) Partition(nodes []*Node, totalLayers int) map[string][]int {
	return weightedContiguous(nodes, totalLayers, func(n *Node) float64 {
		return n.Capabilities.AvailableMemoryGB
	})
}

// PerformancePartitioner weights the assignment by estimated TFLOPS, so
// faster nodes hold more layers.
type PerformancePartitioner struct{}

// Partition implements Partitioner.
func (PerformancePartitioner) Partition(nodes []*Node, totalLayers int) map[string][]int {
	return weightedContiguous(nodes, totalLayers, func(n *Node) float64 {
		return n.Capabilities.TFLOPS
	})
}

// weightedContiguous distributes [0, totalLayers) across nodes in
// proportion to weight. Nodes are walked heaviest first, each taking its
// floored proportional share but never less than one layer while the
// budget lasts; the final node takes the whole tail so rounding can never
// leave a layer unassigned. Zero total weight degrades to an equal split
// in input order.
func weightedContiguous(nodes []*Node, totalLayers int, weight func(*Node) float64) map[string][]int {
	out := make(map[string][]int, len(nodes))
	if len(nodes) == 0 || totalLayers <= 0 {
		return out
	}
	if len(nodes) == 1 {
		out[nodes[0].ID] = layerRange(0, totalLayers)
		return out
	}

	var total float64
	for _, n := range nodes {
		total += weight(n)
	}
	if total == 0 {
		return equalSplit(nodes, totalLayers)
	}

	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return weight(sorted[i]) > weight(sorted[j])
	})

	cursor := 0
	for _, n := range sorted[:len(sorted)-1] {
		share := int(float64(totalLayers) * weight(n) / total)
		if share < 1 {
			share = 1
		}
		if cursor+share > totalLayers {
			share = totalLayers - cursor
		}
		if share > 0 {
			out[n.ID] = layerRange(cursor, cursor+share)
			cursor += share
		}
	}
	if last := sorted[len(sorted)-1]; cursor < totalLayers {
		out[last.ID] = layerRange(cursor, totalLayers)
	}
	return out
}

// equalSplit gives each node totalLayers/n layers, front-loading the
// remainder one layer at a time.
func equalSplit(nodes []*Node, totalLayers int) map[string][]int {
	out := make(map[string][]int, len(nodes))
	base := totalLayers / len(nodes)
	extra := totalLayers % len(nodes)
	cursor := 0
	for i, n := range nodes {
		share := base
		if i < extra {
			share++
		}
		if share == 0 {
			continue
		}
		out[n.ID] = layerRange(cursor, cursor+share)
		cursor += share
	}
	return out
}

// layerRange returns the ascending indices [from, to).
func layerRange(from, to int) []int {
	r := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		r = append(r, i)
	}
	return r
}
