package protocol

import "encoding/json"

// Realm channel message types (client -> server).
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMutation    = "mutation"
	TypePing        = "ping"
)

// Realm channel message types (server -> client).
const (
	TypeReady            = "ready"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeChange           = "change"
	TypeMutationAck      = "mutationAck"
	TypeMutationRejected = "mutationRejected"
	TypeError            = "error"
	TypePong             = "pong"
)

// Progression channel message types.
const (
	TypeUpdate            = "update"
	TypeProgression       = "progression"
	TypeProgressionIntent = "progression-intent"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
