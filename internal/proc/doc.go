// Package proc spawns and terminates worker processes.
//
// Workers are children of the harness placed in their own process group,
// so group signals reach every descendant, and termination follows a
// bounded escalation: a stop signal, patience, a resend, and finally
// SIGKILL with the slot marked force-killed. Reaping is bounded too; a
// cancelled context escalates immediately but the loop still runs so a
// cancellation never leaks a zombie.
//
// The package targets Linux. Other unixes build with degraded behaviour:
// fast kill falls back to a plain SIGKILL without the memory-release
// step, and the parent-death signal is not armed, so workers orphaned by
// a harness crash must be cleaned up by hand.
package proc
