// Package scheduler triggers named jobs from cron expressions or fixed
// intervals. Each schedule runs at most one job at a time; a trigger that
// finds the previous run still in flight is skipped. An optional gate lets
// callers suppress runs, e.g. while this process is not the dispatch leader.
package scheduler
