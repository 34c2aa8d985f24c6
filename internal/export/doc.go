// Package export publishes session events to an AMQP topic exchange for
// off-process consumers.
package export
