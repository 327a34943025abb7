package botframework

import (
	"strings"

	"logobot/pkg/bus"
)

const ActivityTypeMessage = "message"

// Metadata keys carried from an inbound activity to its replies.
const (
	metaBotID    = "bot_id"
	metaBotName  = "bot_name"
	metaUserID   = "user_id"
	metaUserName = "user_name"
	metaLocale   = "locale"
)

type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

type Attachment struct {
	ContentType  string `json:"contentType"`
	ContentURL   string `json:"contentUrl,omitempty"`
	Name         string `json:"name,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Activity is the subset of the Bot Framework activity schema the bot reads and writes.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    string              `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from,omitzero"`
	Conversation ConversationAccount `json:"conversation,omitzero"`
	Recipient    ChannelAccount      `json:"recipient,omitzero"`
	Locale       string              `json:"locale,omitempty"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
}

// inboundFromActivity maps a message activity into the bus model.
func inboundFromActivity(activity Activity) bus.InboundMessage {
	attachments := make([]bus.Attachment, 0, len(activity.Attachments))
	for _, attachment := range activity.Attachments {
		attachments = append(attachments, bus.Attachment{
			Name:        attachment.Name,
			ContentType: attachment.ContentType,
			ContentURL:  attachment.ContentURL,
		})
	}

	conversationID := strings.TrimSpace(activity.Conversation.ID)

	return bus.InboundMessage{
		Channel:        strings.TrimSpace(activity.ChannelID),
		MessageID:      activity.ID,
		SenderID:       activity.From.ID,
		ConversationID: conversationID,
		ServiceURL:     strings.TrimSpace(activity.ServiceURL),
		Content:        strings.TrimSpace(activity.Text),
		Attachments:    attachments,
		SessionKey:     sessionKey(conversationID),
		Metadata: map[string]string{
			metaBotID:    activity.Recipient.ID,
			metaBotName:  activity.Recipient.Name,
			metaUserID:   activity.From.ID,
			metaUserName: activity.From.Name,
			metaLocale:   activity.Locale,
		},
	}
}

// activityFromOutbound builds the reply activity for msg, swapping the original
// sender and recipient.
func activityFromOutbound(msg bus.OutboundMessage) Activity {
	activity := Activity{
		Type:         ActivityTypeMessage,
		ServiceURL:   msg.ServiceURL,
		ChannelID:    msg.Channel,
		From:         ChannelAccount{ID: msg.Metadata[metaBotID], Name: msg.Metadata[metaBotName]},
		Recipient:    ChannelAccount{ID: msg.Metadata[metaUserID], Name: msg.Metadata[metaUserName]},
		Conversation: ConversationAccount{ID: msg.ConversationID},
		Locale:       msg.Metadata[metaLocale],
		Text:         msg.Content,
		ReplyToID:    msg.ReplyToID,
	}
	if activity.Text != "" {
		activity.TextFormat = "plain"
	}

	for _, attachment := range msg.Attachments {
		activity.Attachments = append(activity.Attachments, Attachment{
			ContentType: attachment.ContentType,
			ContentURL:  attachment.ContentURL,
			Name:        attachment.Name,
		})
	}

	return activity
}

// sessionKey maps one Bot Framework conversation to one turn namespace.
func sessionKey(conversationID string) string {
	return channelName + ":" + strings.TrimSpace(conversationID)
}
