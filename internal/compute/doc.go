// Package compute holds the metric computers: one pure function per metric
// family, each mapping an entity.View to per-subject Samples plus the
// feature snapshot the value was derived from.
//
// Families: profitability (per client), license_efficiency (per license),
// resource_utilization (per staff member) and spend_analysis (per category
// and calendar month). Zero denominators yield a nil value with the
// zero_denominator flag instead of an error. Records flagged duplicate by
// ingestion are counted but never summed. Subjects with no countable records
// are omitted.
//
// Run fans the requested families out with errgroup; samples within a family
// are ordered by subject id so output is reproducible.
package compute
