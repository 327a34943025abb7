package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"logobot/pkg/bus"
	"logobot/pkg/channel"
	"logobot/pkg/config"
	"logobot/pkg/relay"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second
const photoContentType = "image/jpeg"

// botClient is the part of the Bot API the adapter calls outside of polling.
type botClient interface {
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Adapter bridges Telegram updates into bus messages and parks processed images in
// the configured media chat.
type Adapter struct {
	cfg       config.TelegramConfig
	bot       *telego.Bot
	api       botClient
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	if cfg.MediaChatID == 0 {
		return nil, errors.New("channels.telegram.media_chat_id is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		bot:       bot,
		api:       bot,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in bus registrations and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and hands every message to handler, one at a time.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "media_chat_id", a.cfg.MediaChatID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			message := update.Message
			if message == nil {
				continue
			}
			if message.From == nil {
				a.log.Debug("Ignoring message without sender")
				continue
			}

			senderID := strconv.FormatInt(message.From.ID, 10)
			if !a.senderAllowed(senderID) {
				a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}

			inbound := a.inboundFromMessage(ctx, *message)
			inbound.Metadata["update_id"] = strconv.Itoa(update.UpdateID)
			a.log.Info("Received message", "chat_id", inbound.ConversationID, "sender_id", senderID, "session_key", inbound.SessionKey, "attachments", len(inbound.Attachments), "content", previewText(inbound.Content))

			stopTyping := a.startTypingIndicator(ctx, message.Chat.ID)
			err := handler(ctx, inbound, a)
			stopTyping()
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("Failed to process inbound message", "error", err)
			}
		}
	}
}

// Reply implements bus.Replier: text goes out with sendMessage, attachments with sendPhoto.
func (a *Adapter) Reply(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ConversationID), 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", msg.ConversationID, err)
	}
	replyTo := replyParameters(msg.ReplyToID)

	if text := strings.TrimSpace(msg.Content); text != "" {
		a.log.Info("Sending message", "chat_id", chatID, "session_key", msg.SessionKey, "content", previewText(text))

		params := tu.Message(tu.ID(chatID), text)
		params.ReplyParameters = replyTo
		if _, err := a.api.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	for _, attachment := range msg.Attachments {
		file := tu.FileFromID(attachment.ID)
		if strings.TrimSpace(attachment.ID) == "" {
			file = tu.FileFromURL(attachment.ContentURL)
		}

		params := tu.Photo(tu.ID(chatID), file)
		params.ReplyParameters = replyTo
		if _, err := a.api.SendPhoto(ctx, params); err != nil {
			return fmt.Errorf("send telegram photo: %w", err)
		}
	}

	return nil
}

// UploadAttachment implements channel.MediaUploader. Telegram has no per-chat media
// store, so the photo is sent to the media chat and reused by file id.
func (a *Adapter) UploadAttachment(ctx context.Context, _ string, conversationID string, data []byte) (bus.Attachment, error) {
	params := tu.Photo(tu.ID(a.cfg.MediaChatID), tu.File(tu.NameReader(bytes.NewReader(data), channel.UploadedAttachmentName)))
	params.Caption = "chat " + conversationID
	params.DisableNotification = true

	sent, err := a.api.SendPhoto(ctx, params)
	if err != nil {
		return bus.Attachment{}, relay.NewError(relay.StageUpload, "send photo to media chat", err)
	}
	if sent == nil || len(sent.Photo) == 0 {
		return bus.Attachment{}, relay.NewError(relay.StageUpload, "media chat returned no photo", nil)
	}

	photo := pickLargestPhoto(sent.Photo)
	url, err := a.fileURL(ctx, photo.FileID)
	if err != nil {
		return bus.Attachment{}, relay.NewError(relay.StageUpload, "resolve uploaded photo", err)
	}

	return bus.Attachment{
		ID:          photo.FileID,
		Name:        channel.UploadedAttachmentName,
		ContentType: channel.UploadedAttachmentContentType,
		ContentURL:  url,
	}, nil
}

// inboundFromMessage maps a Telegram message into the bus model, resolving file
// download URLs for photos and documents.
func (a *Adapter) inboundFromMessage(ctx context.Context, message telego.Message) bus.InboundMessage {
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	content := strings.TrimSpace(message.Text)
	if content == "" {
		content = strings.TrimSpace(message.Caption)
	}

	senderID := ""
	if message.From != nil {
		senderID = strconv.FormatInt(message.From.ID, 10)
	}

	return bus.InboundMessage{
		Channel:        channelName,
		MessageID:      strconv.Itoa(message.MessageID),
		SenderID:       senderID,
		ConversationID: chatID,
		Content:        content,
		Attachments:    a.collectAttachments(ctx, message),
		SessionKey:     sessionKey(chatID),
		Metadata:       map[string]string{},
	}
}

// collectAttachments keeps an attachment even when its URL cannot be resolved, so the
// failure is reported to the user instead of the image being silently dropped.
func (a *Adapter) collectAttachments(ctx context.Context, message telego.Message) []bus.Attachment {
	var attachments []bus.Attachment

	if len(message.Photo) > 0 {
		photo := pickLargestPhoto(message.Photo)
		attachments = append(attachments, bus.Attachment{
			ID:          photo.FileID,
			Name:        photo.FileUniqueID + ".jpg",
			ContentType: photoContentType,
			ContentURL:  a.resolveURL(ctx, photo.FileID),
		})
	}
	if doc := message.Document; doc != nil {
		attachments = append(attachments, bus.Attachment{
			ID:          doc.FileID,
			Name:        strings.TrimSpace(doc.FileName),
			ContentType: strings.TrimSpace(doc.MimeType),
			ContentURL:  a.resolveURL(ctx, doc.FileID),
		})
	}

	return attachments
}

func (a *Adapter) resolveURL(ctx context.Context, fileID string) string {
	url, err := a.fileURL(ctx, fileID)
	if err != nil {
		a.log.Warn("Failed to resolve file url", "file_id", fileID, "error", err)
		return ""
	}

	return url
}

func (a *Adapter) fileURL(ctx context.Context, fileID string) (string, error) {
	if strings.TrimSpace(fileID) == "" {
		return "", errors.New("file id is empty")
	}

	file, err := a.api.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", err
	}
	if file == nil || strings.TrimSpace(file.FilePath) == "" {
		return "", errors.New("telegram returned no file path")
	}

	return a.api.FileDownloadURL(file.FilePath), nil
}

// pickLargestPhoto returns the highest resolution size Telegram offers for a photo.
func pickLargestPhoto(sizes []telego.PhotoSize) telego.PhotoSize {
	if len(sizes) == 0 {
		return telego.PhotoSize{}
	}

	best := sizes[0]
	for _, size := range sizes[1:] {
		if size.FileSize > best.FileSize {
			best = size
			continue
		}
		if size.FileSize == best.FileSize && size.Width*size.Height > best.Width*best.Height {
			best = size
		}
	}

	return best
}

func replyParameters(messageID string) *telego.ReplyParameters {
	id, err := strconv.Atoi(strings.TrimSpace(messageID))
	if err != nil || id <= 0 {
		return nil
	}

	return &telego.ReplyParameters{MessageID: id, AllowSendingWithoutReply: true}
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// sessionKey maps one Telegram chat to one turn namespace.
func sessionKey(chatID string) string {
	return channelName + ":" + strings.TrimSpace(chatID)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// startTypingIndicator sends an upload_photo action and refreshes it periodically
// until the returned cancel function is called.
func (a *Adapter) startTypingIndicator(ctx context.Context, chatID int64) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := a.api.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionUploadPhoto)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
