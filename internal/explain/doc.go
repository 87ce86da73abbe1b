// Package explain turns a metric result and its confidence assessment into a
// structured rationale: confidence contributions, ranked feature drivers, a
// template-filled summary and recommendations.
//
// Everything is derived from the feature snapshot captured on the result.
// The generator never looks at entities, so an explanation can be
// regenerated later and will match the original even if the underlying
// records have since changed.
package explain
