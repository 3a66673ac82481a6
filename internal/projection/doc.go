// Package projection folds the event log into rebuildable views.
//
// A projection is a pure function from (state, event) to state. The engine
// feeds it committed events in store commit order, which is topological,
// persists a checkpoint after each batch and can always throw the state
// away and fold again from genesis. Commit order does not depend on how the
// log is batched, so the rebuilt state is byte-identical to the
// incrementally folded one even for folds that do not commute. Projection state is an ir.Object whose queryable entries live under
// ItemsKey.
//
// The built-in folds commute across origins, so nodes that received the
// same events in different orders hold the same state.
package projection
