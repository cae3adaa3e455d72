// Package agent contains the orchestrator that drives a user intent through
// the strategy pipeline: proposal, concurrent risk evaluation and compliance
// audit, the approval decision, execution and the final vault update.
package agent
