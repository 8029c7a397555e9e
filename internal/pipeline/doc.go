// Package pipeline runs ordered hook stages around a unit of work.
//
// Stages are either pre or post stages and execute sequentially in ascending
// Order. Every stage receives the same subject, typically a pointer to the
// state of the work in progress, and may change it in place.
//
// A stage answers with one of three actions:
//   - allow: continue with the next stage
//   - warn: record the warning carried by the output and continue
//   - deny: stop the pipeline with a *DeniedError
//
// A stage that returns an error is handled according to its OnError policy:
// ActionDeny (the default) stops the pipeline, ActionWarn records the error
// as a warning and continues.
package pipeline
