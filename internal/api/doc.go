// Package api exposes the pipeline over REST: synchronous and queued intent
// submission, task queries, vault and performance lookups, plan progress and
// runtime management of compliance rules.
package api
