// Package stores provides the SQLite transaction journal. Every engine
// transaction and each of its phase and action steps is recorded so that
// past operations on a profile can be inspected after the fact.
package stores
