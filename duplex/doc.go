/*
Package duplex implements a reliable, ordered, bidirectional channel between two processes that can only share
files in one directory.

Each party appends frames (see package frame) to its own log and polls the peer's log. The Duplex keeps the
sequence bookkeeping and a small state machine:

	opening --init/ack--> open --fin--> closing --fin_ack/fin/grace--> closed(reason)

Frames from the peer are processed in seq order; any frame at or below the highest seq already seen is dropped,
so duplicate delivery from a re-read log is harmless. Data frames are handed to OnData handlers in order, and
OnClose fires exactly once.

Liveness is out of band: the party that can disappear without warning (a sandboxed UI, say) stamps a heartbeat
file, and the other party checks it while the channel is open. A stale heartbeat closes the channel with reason
"timeout" without a handshake.

The concrete files and intervals for each side are chosen in package adapter.
*/
package duplex
