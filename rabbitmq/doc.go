// Package rabbitmq provides the AMQP transport for the event pipeline: a
// managed broker connection, a confirm-mode publisher, the event publisher
// that stamps tracing metadata headers, a consumer with explicit retry
// policy and TTL-based delayed redelivery, and the dead-letter consumer
// that surfaces parked messages.
//
// Publishing waits for broker confirms, so a nil return from the publisher
// means the broker accepted the message. Redelivery uses a wait queue whose
// per-message TTL dead-letters expired messages back into the work queue.
package rabbitmq
