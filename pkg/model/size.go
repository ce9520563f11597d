package model

// Rough per-entity overheads (struct, map entry, index entries) used for
// memory reclamation reports. These are estimates, not measurements.
const (
	nodeOverhead      = 160
	edgeOverhead      = 120
	attributeOverhead = 48
)

// EstimateNodeSize returns an approximate in-memory footprint of a node in bytes
func EstimateNodeSize(n *Node) int64 {
	if n == nil {
		return 0
	}
	size := int64(nodeOverhead + len(n.ID) + len(n.Type) + len(n.Name) + len(n.Path))
	size += estimateAttributes(n.Properties)
	size += estimateAttributes(n.Metadata)
	return size
}

// EstimateEdgeSize returns an approximate in-memory footprint of an edge in bytes
func EstimateEdgeSize(e *Edge) int64 {
	if e == nil {
		return 0
	}
	// Key is stored twice: once in the edge map and once per adjacency index
	keyLen := len(e.Source) + len(e.Target) + len(e.Type)
	return int64(edgeOverhead+3*keyLen) + estimateAttributes(e.Metadata)
}

func estimateAttributes(a Attributes) int64 {
	var size int64
	for k, v := range a {
		size += int64(attributeOverhead + len(k))
		if s, ok := v.Str(); ok {
			size += int64(len(s))
		}
	}
	return size
}
