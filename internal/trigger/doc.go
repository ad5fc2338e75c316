// Package trigger evaluates schedule triggers and starts pipeline runs when
// they come due.
//
// Schedules are cron expressions parsed with robfig/cron. The Scheduler keeps
// one ScheduledPipelineInfo per pipeline and trigger pair, refreshed from the
// catalog periodically, and de-duplicates firings within a UTC minute.
package trigger
