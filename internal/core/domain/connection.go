package domain

// ConnectionID identifies one accepted signaling socket for the lifetime of the process.
type ConnectionID string

func (id ConnectionID) String() string {
	return string(id)
}

// PeerLeftMessage is broadcast to the remaining peers when a connection closes.
type PeerLeftMessage struct {
	Type   string       `json:"type"`
	PeerID ConnectionID `json:"peer_id"`
}

const MessageTypePeerLeft = "peer-left"

func NewPeerLeftMessage(id ConnectionID) PeerLeftMessage {
	return PeerLeftMessage{Type: MessageTypePeerLeft, PeerID: id}
}
