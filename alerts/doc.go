// Package alerts routes operator-facing notifications raised by the other
// packages in this module: circuit-open transitions, critical dead letter
// enqueues, and critical health check failures. The Notifier deduplicates by
// key and fans out to pluggable sinks: structured logs, signed webhooks, or
// an AMQP exchange.
package alerts
