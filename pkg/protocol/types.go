package protocol

// Message type constants for protocol envelopes.
const (
	TypeHello     = "hello"
	TypeError     = "error"
	TypeSubscribe = "subscribe"
	TypePublish   = "publish"
	TypeDeliver   = "deliver"
)
