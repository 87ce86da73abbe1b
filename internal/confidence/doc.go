// Package confidence maps a metric's feature snapshot to a reliability score
// in [0, 1].
//
// Score is a pure weighted sum of three independently normalised factors:
// completeness (missing optional fields, duplicates), outliers (ingestion
// outlier flags plus samples beyond the z-score bound) and sample_size
// (records against the configured floor). Weights, bound and floor come from
// the run's policy snapshot, so a score is reproducible from the snapshot
// and the policy alone.
//
// Levels: high ≥0.9, medium ≥ review threshold, low ≥0.5, ambiguous below.
package confidence
