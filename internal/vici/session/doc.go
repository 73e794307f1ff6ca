// Package session owns the client side of the control protocol state
// machine.
//
// Ownership boundary:
// - one stream connection, one background read path
// - single-outstanding-exchange discipline (command and event registration)
// - routing of pushed events to named subscriptions
//
// The routing table (the pending-exchange slot plus the event name to queue
// mapping) is owned solely by the dispatch goroutine; callers talk to it
// through channels and receive results on per-exchange reply channels.
package session
