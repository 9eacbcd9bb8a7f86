// Package trigger computes fire instants for scheduler units.
//
// Two variants exist: Cron (robfig/cron expressions, seconds optional) and
// Periodic (initial delay, then a fixed rate anchored at the scheduled time).
// Both satisfy cron.Schedule, so anything that accepts a robfig schedule can
// drive them.
package trigger
