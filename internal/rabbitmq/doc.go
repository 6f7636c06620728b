// Package rabbitmq provides the RabbitMQ plumbing of the connector.
//
// This package includes:
//   - Supervisor: acquires a connection and one channel, retrying at a fixed interval until a deadline
//   - Provisioner: idempotently declares the exchange, stream queue and binding
//   - SetPrefetch: caps unacknowledged deliveries per channel
//   - Producer: publishes a fixed payload at a fixed cadence
//   - Consumer: receives deliveries and acknowledges each tag exactly once
//
// Every role owns its Session (connection plus channel). Channels are
// never shared between the producer and the consumer.
package rabbitmq
