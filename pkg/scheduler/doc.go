/*
Package scheduler implements the kernel's per-rank dispatch loop: picking
the next agent batch, enforcing the time-window or conservative-lookahead
bound, routing newly scheduled events to local or remote receivers, and
running the rollback/anti-message recovery protocol when a straggler
arrives.

Two synchronization regimes share the same dispatch and rollback core and
differ only in how they drive GVT forward: New selects between them from
the supplied config, building a MatternGVTManager token ring for the
optimistic regime or a SimpleGVTManager all-reduce for the conservative
one (lookahead > 0).
*/
package scheduler
