// Package scheduler keeps the registry of named cron jobs and fires them.
//
// The scheduler is trigger-only:
//   - jobs are registered with a validated cron expression
//   - a once-per-minute tick submits due jobs to the task queue
//   - next fire times are recomputed from each fire
//
// Execution, retries and timeouts belong to internal/task/queue.
package scheduler
