// Package notify delivers engine events to the user.
//
// Producers call Dispatcher.Notify, which never blocks: notifications are
// queued and a single worker hands them to the configured sinks. A failing
// or slow sink is logged and never propagates back into polling or ordering.
package notify
