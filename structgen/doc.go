// Package structgen asks a model for a value of a Go type and retries, a
// bounded number of times, until the reply validates against the type's JSON
// Schema.
//
// Every Generate call runs in its own goroutine and reports through an
// agentevents.Stream: Starting, StartingAttempts, then per attempt
// AttemptStart followed by either a terminal result event or a failure
// status (and Retrying while attempts remain), and finally FinishedError when
// every attempt failed.
package structgen
