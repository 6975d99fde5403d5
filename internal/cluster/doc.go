// Package cluster provides the membership view the reboot agents share:
// who the members are, who leads, and whether the storage cluster is
// healthy enough to lose a node.
//
// # Overview
//
// Every node runs the same agent. There is no election protocol; the
// leader is simply the first host name of the sorted membership, so every
// agent that sees the same topology reaches the same answer without
// talking to anyone.
//
//	ceph osd tree  ──►  [ceph3 ceph1 ceph2 ceph1]
//	                          │ dedupe + sort
//	                          ▼
//	                   [ceph1 ceph2 ceph3]
//	                      ▲
//	                      └── leader (runs the coordinator loop)
//
// # Core Components
//
// HealthOracle: the external source of truth
//   - Healthy reports whether the cluster can tolerate a reboot
//   - Members lists the hosts that run an agent
//   - CephOracle implements it with the ceph CLI
//   - StaticOracle implements it with fixed values
//
// Member: one polled node
//   - Uptime and threshold in days, as reported by the node itself
//   - Excess ranks reboot candidates
//
// # Limitations
//
// Leadership is computed once when the agent starts. If the leader dies,
// rolling reboots stop until it returns or the agents are restarted with
// a new membership. Nobody else takes over; this keeps the "one node down
// at a time" guarantee simple at the cost of availability of the
// coordinator itself.
package cluster
