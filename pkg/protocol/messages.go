package protocol

// Hello is sent when a client first connects to the relay.
type Hello struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subscribe asks the relay to deliver every update published on a topic.
type Subscribe struct {
	Topic string `json:"topic"`
}

// Publish carries one update to the relay for fan-out.
type Publish struct {
	Update Update `json:"update"`
}

// Deliver carries one update from the relay to a subscriber.
type Deliver struct {
	Update Update `json:"update"`
}

// Roles a relay client may announce.
const (
	RolePublisher  = "publisher"
	RoleSubscriber = "subscriber"
)
