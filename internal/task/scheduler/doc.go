// Package scheduler turns schedule strings into triggers.
//
// It is trigger-only: on each tick it enqueues a task into the task engine
// and never runs work itself. postpilot registers the due-post cycle here.
package scheduler
