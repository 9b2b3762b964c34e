package raft

import "github.com/ywng/raft/transport"

// NodeAddress is a (host, port) pair; also the stable node identity within
// a cluster. Cluster membership is the fixed set declared at construction.
type NodeAddress = transport.NodeAddress

// quorum returns the majority size of a cluster with clusterSize members,
// i.e. floor(N/2)+1.
func quorum(clusterSize int) int {
	return clusterSize/2 + 1
}
