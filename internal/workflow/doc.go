// Package workflow runs the idea pipeline as durable Temporal workflows.
//
// One IdeaWorkflow is started per idea. It executes the pipeline stages in
// order as activities, each a single attempt because the model gateway owns
// retries. The workflow input carries configuration revision references
// rather than resolved configurations, so credentials never enter workflow
// history and an activation made after enqueue cannot change a running idea.
//
// Workflow code stays deterministic; every store or provider call happens in
// an activity.
package workflow
