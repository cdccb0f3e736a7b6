// Package local provides in-process backends for the three provisioning
// request kinds. They keep all state in memory and simulate asynchronous
// provisioning by staying Pending for a configurable number of polls, which
// makes them suitable for local development, the plan/reconcile CLI paths,
// and tests that need a real Backend without external services.
package local
