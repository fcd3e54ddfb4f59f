// Package workflow runs data-driven, multi-step processes such as order
// approval and vendor onboarding. A Definition lists typed steps and the edges
// between them; the Engine persists one WorkflowInstance per run and advances
// it step by step until it suspends at an approval or waiting step, needs user
// input, or reaches a terminal state.
//
// Instances are stored through port.Store and every advance is one optimistic
// unit of work, so concurrent responses to the same instance are serialized by
// version rather than by an in-process lock. Actions attached to
// system_processing steps may be re-run when such a unit is retried and must
// therefore be idempotent.
package workflow
