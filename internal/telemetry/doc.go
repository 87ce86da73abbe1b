// Package telemetry renders governance and result statistics in the
// Prometheus text exposition format.
//
// The exporter is pull-free: Build turns a Snapshot into metric families,
// Write encodes them, and WriteFile atomically replaces a .prom file for a
// node_exporter textfile collector. Parse and Sum read an exposition back.
package telemetry
