// Package scheduler owns the live execution units of batchctl.
//
//   - Unit is anything with an INITIALIZED -> RUNNING <-> STOPPED lifecycle that
//     launches jobs: time-triggered SchedulerUnits here, file listeners elsewhere.
//   - Registry is the process-wide unit id -> Unit map.
//   - Service builds SchedulerUnits from job configurations and drives them by id.
//
// Execution goes through a Strategy: SYNCHRONOUS launches on the unit's own
// goroutine, ASYNCHRONOUS hands the launch to the task engine.
package scheduler
