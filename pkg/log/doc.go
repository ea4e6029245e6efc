/*
Package log provides structured logging for bwcgen using zerolog.

The package holds one global zerolog Logger, configured once by Init from the
command line flags. Components derive child loggers carrying their own
fields, so every line of a fixture run can be traced back to the step and the
version that produced it.

# Output

By default logs go to stderr through zerolog's console writer with RFC3339
timestamps, which reads well in a terminal:

	2026-10-19T10:02:11Z INF Starting node component=bwc http_port=9200 version=2.3.4

With --json-logs every line is a JSON object instead, for CI log collectors:

	{"level":"info","component":"bwc","run_id":"5b1f...","version":"2.3.4","message":"Starting node"}

# Child loggers

	logger := log.WithComponent("bwc")           // component=bwc
	logger = log.WithRunID(logger, runID)        // run_id=<uuid>
	logger = log.WithVersion(logger, "2.3.4")    // version=2.3.4

Packages take a zerolog.Logger as a dependency rather than reaching for the
global, which keeps tests quiet: pass log.Nop() or zerolog.Nop().

# Levels

	debug   command output, individual requests, indexed document ids
	info    workflow steps ("*** Running: ...", "Waiting for yellow")
	warn    tolerated failures (plugin removal, cleanup problems)
	error   fatal failures, printed once before exit
*/
package log
