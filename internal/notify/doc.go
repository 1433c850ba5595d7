// Package notify delivers user-facing notifications raised by the detectors.
//
// A Sink receives a Notification. WebhookSink posts to Slack, Teams or plain
// HTTP targets, LogSink writes a structured log line, and Hub broadcasts to
// connected WebSocket clients.
//
// Dispatcher fans a notification out to every sink without blocking the
// caller. Each delivery runs in its own goroutine under a bounded timeout that
// is detached from the caller's context; failures are sent to an error
// channel that Run drains into the log. Email is delivered the same way
// through a Mailer and is only used for high-severity anomalies.
package notify
