package rabbitmq

// DefaultPrefetch is the number of unacknowledged deliveries the broker may
// push to a channel before pausing.
const DefaultPrefetch uint16 = 1000

// SetPrefetch caps the unacknowledged deliveries on ch. With global false
// the limit applies to each consumer on the channel.
func SetPrefetch(ch Channel, limit uint16, global bool) error {
	return ch.Qos(int(limit), 0, global)
}
