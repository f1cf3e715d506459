package v1

import "time"

// PeerKind classifies the conversation a message belongs to
type PeerKind string

const (
	PeerKindDM         PeerKind = "dm"
	PeerKindGroup      PeerKind = "group"
	PeerKindSupergroup PeerKind = "supergroup"
	PeerKindChannel    PeerKind = "channel"
)

// Valid reports whether the peer kind is one of the closed set
func (k PeerKind) Valid() bool {
	switch k {
	case PeerKindDM, PeerKindGroup, PeerKindSupergroup, PeerKindChannel:
		return true
	}
	return false
}

// Multiuser reports whether the peer hosts more than one human, which
// tightens the default tool policy
func (k PeerKind) Multiuser() bool {
	switch k {
	case PeerKindGroup, PeerKindSupergroup, PeerKindChannel:
		return true
	}
	return false
}

// Peer identifies the remote conversation endpoint
type Peer struct {
	Kind     PeerKind `json:"kind"`
	ID       string   `json:"id"`
	ThreadID string   `json:"thread_id,omitempty"`
}

// Sender identifies the human who sent an inbound message
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// MessageBody carries the message content of an inbound message
type MessageBody struct {
	ID        string     `json:"id,omitempty"`
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	ReplyToID string     `json:"reply_to_id,omitempty"`
}

// InboundMessage is the normalized message every channel adapter produces
type InboundMessage struct {
	ChannelID string                 `json:"channel_id"`
	AccountID string                 `json:"account_id"`
	Peer      Peer                   `json:"peer"`
	Sender    *Sender                `json:"sender,omitempty"`
	Message   MessageBody            `json:"message"`
	Raw       map[string]interface{} `json:"raw,omitempty"`
	Meta      map[string]string      `json:"meta,omitempty"`
}

// OutboundKind is the delivery action a payload requests from the channel
type OutboundKind string

const (
	OutboundText     OutboundKind = "text"
	OutboundEdit     OutboundKind = "edit"
	OutboundDelete   OutboundKind = "delete"
	OutboundFile     OutboundKind = "file"
	OutboundReaction OutboundKind = "reaction"
)

// OutboundFileRef points at an artifact to deliver
type OutboundFileRef struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// OutboundContent carries the kind-specific body of a payload
type OutboundContent struct {
	Text        string            `json:"text,omitempty"`
	MessageID   string            `json:"message_id,omitempty"` // edit/delete/reaction target
	Files       []OutboundFileRef `json:"files,omitempty"`
	Emoji       string            `json:"emoji,omitempty"`
	ReplyMarkup map[string]string `json:"reply_markup,omitempty"`
}

// DeliveryAck reports the channel-assigned id of a delivered payload back
// to the component that produced it
type DeliveryAck struct {
	Ref       string `json:"ref"`
	Tag       string `json:"tag,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Err       error  `json:"-"`
}

// OutboundPayload is one unit of work for the outbox
type OutboundPayload struct {
	ChannelID      string            `json:"channel_id"`
	AccountID      string            `json:"account_id"`
	Peer           Peer              `json:"peer"`
	Kind           OutboundKind      `json:"kind"`
	Content        OutboundContent   `json:"content"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`

	// Ack, when set, receives the delivery result in-process. Never
	// serialized; senders must not block on it.
	Ack chan<- DeliveryAck `json:"-"`
}
