// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: one connection, re-dialled with exponential backoff
//   - ChannelPool: bounded channel reuse, optionally in confirm mode
//   - Publisher: publishes and waits for the broker's confirm
//   - Consumer: sequential, acked consumption that resumes after channel loss
//   - TopologyManager: exchanges, queues and bindings
package rabbitmq
