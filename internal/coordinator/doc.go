// Package coordinator implements the rolling reboot loop that runs on the
// cluster leader. It keeps every member's uptime below its threshold while
// making sure at most one member is down at any time.
//
// # Overview
//
// Only the leader (see cluster.Leader) runs a Coordinator. Agents on the
// other members answer its uptime queries and accept or refuse its signed
// reboot requests; they never talk to each other.
//
// # Cycle
//
// Each iteration of the loop is one Cycle:
//
//	window open? ──no──► sleep
//	     │yes
//	     ▼
//	resolve members ──► poll every uptime ──any failed──► sleep
//	                          │all answered
//	                          ▼
//	                   cluster healthy? ──no──► sleep
//	                          │yes
//	                          ▼
//	             candidate = max(uptime - max_uptime)
//	                          │excess > 0
//	                          ▼
//	           sign nonce, send do_reboot ──refused──► sleep
//	                          │accepted
//	                          ▼
//	                   await recovery ──► sleep
//
// Every member is queried even after one fails so that all failures are
// logged, but a single failure is enough to skip the rest of the cycle.
// An unreachable member may already be down.
//
// # Recovery
//
// After an accepted request the coordinator waits for the target before
// doing anything else:
//
//   - the target answers with a lower uptime: it rebooted
//   - the target stopped answering: it is presumably restarting
//   - it answers again with the old uptime after a silence: the reboot
//     failed and the next cycle decides again
//
// When the target is the leader itself there is nothing to poll; the loop
// just waits to be killed by the reboot.
//
// # Configuration
//
//	LoopInterval:     10s  // sleep between cycles
//	RebootWait:       30s  // first wait after an accepted request
//	RecoveryInterval: 10s  // poll interval while waiting
//	RecoveryTimeout:  0    // give up waiting; 0 waits forever
//
// # Usage Example
//
//	c := coordinator.New(coordinator.Options{
//	    Oracle: cluster.NewCephOracle(),
//	    Window: window,
//	    Poller: protocol.NewClient(9871, 5*time.Second),
//	    Local:  server.LocalUptime,
//	    Signer: authenticator,
//	    Logger: logger,
//	    Config: coordinator.Config{Self: hostname},
//	})
//	go c.Start(ctx)
//	defer c.Stop()
package coordinator
