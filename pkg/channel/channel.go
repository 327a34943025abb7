package channel

import (
	"context"

	"logobot/pkg/bus"
)

// Handler processes one inbound channel message, replying through the given Replier.
type Handler = bus.MessageHandler

// Adapter bridges one external transport (for example Bot Framework or Telegram) into the bot.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// MediaUploader stores bytes in a platform's conversation media store and returns an
// attachment that can be embedded in a reply.
type MediaUploader interface {
	UploadAttachment(ctx context.Context, serviceURL string, conversationID string, data []byte) (bus.Attachment, error)
}

// Uploaded attachments are always announced with this name and content type.
const (
	UploadedAttachmentName        = "returnedImage.jpg"
	UploadedAttachmentContentType = "image/jpg"
)
