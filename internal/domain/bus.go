package domain

// MessageBus routes envelopes from the bridge to the agent pipeline and
// replies back to the delivery side.
type MessageBus interface {
	Publish(env Envelope)
	Subscribe() <-chan Envelope
	SendOutbound(msg OutboundMessage) error
	OnOutbound(handler func(OutboundMessage) error)
	Close()
}
