package types

// node is a single entry in the hierarchical namespace
// version is bumped by every data write and is what compare-and-swap writes are checked against
// cseq feeds the suffix of sequential children created under this node
type Node struct {
	Path           string
	Data           []byte
	Version        int64
	EphemeralOwner uint64 //0 for persistent nodes
	CSeq           uint64
}

// metadata returned alongside node data
type Stat struct {
	Version        int64
	EphemeralOwner uint64
	NumChildren    int
}

func (n *Node) IsEphemeral() bool {
	return n.EphemeralOwner != 0
}
