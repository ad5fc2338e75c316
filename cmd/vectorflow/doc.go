// Command vectorflow is the operator CLI for the vectorflow daemon.
//
// Run commands talk to the daemon HTTP API. Queue and status commands fall
// back to opening the local stores when the daemon is not running, and the
// pipeline commands only read the definitions directory.
package main
