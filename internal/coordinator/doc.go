// Package coordinator owns the command table of scriptd and the state
// shared between its handlers: it binds each command name to the script
// store, options, sync engine, request proxy, cache, clipboard and host,
// and pushes the resulting updates back out to tabs and pages.
//
// The coordinator holds no goroutines of its own. Replies run on the
// dispatcher's goroutines, and fire-and-forget work goes through
// dispatch.Go so failures are logged in one place.
package coordinator
