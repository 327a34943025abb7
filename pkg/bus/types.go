package bus

import (
	"context"
	"maps"
)

// Attachment is a named, typed payload referenced by URL within a chat message.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type"`
	ContentURL  string `json:"content_url"`
}

type InboundMessage struct {
	Channel        string            `json:"channel"`
	MessageID      string            `json:"message_id,omitempty"`
	SenderID       string            `json:"sender_id"`
	ConversationID string            `json:"conversation_id"`
	ServiceURL     string            `json:"service_url,omitempty"`
	Content        string            `json:"content"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	SessionKey     string            `json:"session_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewReply returns an empty outbound message addressed to the conversation m arrived on.
// Metadata is copied so adapters can route the reply.
func (m InboundMessage) NewReply() OutboundMessage {
	return OutboundMessage{
		Channel:        m.Channel,
		ConversationID: m.ConversationID,
		ServiceURL:     m.ServiceURL,
		ReplyToID:      m.MessageID,
		SessionKey:     m.SessionKey,
		Metadata:       maps.Clone(m.Metadata),
	}
}

type OutboundMessage struct {
	Channel        string            `json:"channel"`
	ConversationID string            `json:"conversation_id"`
	ServiceURL     string            `json:"service_url,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	SessionKey     string            `json:"session_key,omitempty"`
	Content        string            `json:"content,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Replier sends messages back into the conversation a turn belongs to.
type Replier interface {
	Reply(ctx context.Context, msg OutboundMessage) error
}

type MessageHandler func(ctx context.Context, msg InboundMessage, reply Replier) error
