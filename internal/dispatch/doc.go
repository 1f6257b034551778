// Package dispatch routes inbound command messages to their handlers.
//
// A Registry is a fixed map from command name to Handler, built once at
// startup. The Dispatcher is the single entry point: it looks up the
// command, invokes the handler exactly once, and turns the handler's Result
// into a reply.
//
// Results:
//   - NoReply: the handler only performs side effects; nothing is sent back.
//   - Value: the reply is sent immediately.
//   - Defer: the function runs on its own goroutine and its value (or error)
//     is sent when it returns. Collaborator calls belong here so handlers never
//     block the dispatch loop.
//   - Fail: the reply is an error, e.g. a malformed payload.
//
// Error handling:
//   - Unknown command: ignored (no reply, debug log only). Foreground and
//     background may run different versions.
//   - Rejected deferred value: replied as an error when the sender waits for a
//     reply, dropped otherwise.
//   - Fire-and-forget collaborator work goes through Go, the one place such
//     failures are logged.
//
// Startup gate: until Open is called every message is dropped. There is no
// queue; senders retry on their own schedule.
package dispatch
