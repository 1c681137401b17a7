// Package jobmanager runs one command per input line across a pool of
// persistent shells.
//
// A Broker reads input lines, numbers them and hands them to workers through
// bounded per-worker queues. Each worker owns one shell.Shell and runs its
// jobs one at a time. Results flow back to the Broker, which writes them to
// the output streams either as they complete or, with KeepOrder, in input
// order.
package jobmanager
