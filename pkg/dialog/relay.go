// Package dialog implements the attachment relay conversation: every accepted image a
// user sends is processed remotely and returned as a reply attachment.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"logobot/pkg/bus"
	"logobot/pkg/channel"
	"logobot/pkg/relay"
)

const (
	GreetingText = "Hello! I'm a bot that can detect different logos on your photos. Please send me one!"
	FailureText  = "Something went wrong :( Please try again."
)

// AcknowledgementTexts are sent when an image is accepted; one is picked per image.
var AcknowledgementTexts = [2]string{
	"Your image is accepted! Our hard working servers are ready to go!",
	"Your image is accepted! Please wait patiently, we have the windows 95 server :(",
}

// DefaultAcceptedContentTypes lists the attachment types that are relayed. Matching is exact.
var DefaultAcceptedContentTypes = []string{"image/jpeg", "image/jpg"}

type Fetcher interface {
	FetchAttachment(ctx context.Context, channel string, attachment bus.Attachment) (relay.Payload, error)
}

type Processor interface {
	Process(ctx context.Context, payload relay.Payload) ([]byte, error)
}

type Options struct {
	Fetcher   Fetcher
	Processor Processor
	Uploader  channel.MediaUploader
	// Events receives relay telemetry. Optional.
	Events *bus.MessageBus
	// CoinFlip picks the acknowledgement text. Defaults to a fair random flip.
	CoinFlip             func() bool
	AcceptedContentTypes []string
	// UploadTimeout bounds one media store upload. Zero leaves it to the uploader.
	UploadTimeout time.Duration
	Log           *slog.Logger
}

// AttachmentRelay is the dialog run for every message on a channel.
type AttachmentRelay struct {
	fetcher   Fetcher
	processor Processor
	uploader  channel.MediaUploader
	events    *bus.MessageBus
	coinFlip  func() bool
	accepted  []string
	uploadFor time.Duration
	log       *slog.Logger
}

func New(opts Options) (*AttachmentRelay, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if opts.Uploader == nil {
		return nil, errors.New("uploader is required")
	}

	coinFlip := opts.CoinFlip
	if coinFlip == nil {
		coinFlip = func() bool { return rand.IntN(2) == 1 }
	}
	accepted := slices.Clone(opts.AcceptedContentTypes)
	if len(accepted) == 0 {
		accepted = slices.Clone(DefaultAcceptedContentTypes)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &AttachmentRelay{
		fetcher:   opts.Fetcher,
		processor: opts.Processor,
		uploader:  opts.Uploader,
		events:    opts.Events,
		coinFlip:  coinFlip,
		accepted:  accepted,
		uploadFor: opts.UploadTimeout,
		log:       log.With("component", "dialog.relay"),
	}, nil
}

// Register installs the dialog as the handler for the next message on adapter.
// The registration stays in place after every turn.
func (d *AttachmentRelay) Register(mb *bus.MessageBus, adapter string) {
	mb.RegisterHandler(adapter, d.Handle)
}

// Handle runs one turn. Failures of individual attachments are reported to the user and
// never end the turn early. The returned error is non-nil only when ctx ends.
func (d *AttachmentRelay) Handle(ctx context.Context, msg bus.InboundMessage, reply bus.Replier) error {
	log := d.log.With("channel", msg.Channel, "conversation_id", msg.ConversationID, "session_key", msg.SessionKey)
	d.publish(ctx, bus.EventMessageReceived, msg, map[string]string{"attachments": fmt.Sprint(len(msg.Attachments))}, nil)

	if len(msg.Attachments) == 0 {
		d.sendText(ctx, log, msg, reply, GreetingText)
		return ctx.Err()
	}

	for index, attachment := range msg.Attachments {
		if err := ctx.Err(); err != nil {
			return err
		}

		attLog := log.With("attachment_index", index, "content_type", attachment.ContentType)
		if !d.accepts(attachment.ContentType) {
			attLog.Debug("Skipping attachment with unsupported content type")
			d.publish(ctx, bus.EventAttachmentSkipped, msg, map[string]string{"content_type": attachment.ContentType}, nil)
			continue
		}

		d.publish(ctx, bus.EventAttachmentAccepted, msg, map[string]string{"content_type": attachment.ContentType}, nil)
		d.sendText(ctx, attLog, msg, reply, d.acknowledgement())

		if err := d.relayAttachment(ctx, msg, attachment, reply); err != nil {
			stage := relay.StageFromError(err)
			attLog.Warn("Attachment relay failed", "stage", stage, "timeout", relay.IsTimeout(err), "error", err)
			d.publish(ctx, bus.EventAttachmentFailed, msg, map[string]string{"stage": stage}, err)
			d.sendText(ctx, attLog, msg, reply, FailureText)
			continue
		}

		attLog.Info("Attachment relayed")
		d.publish(ctx, bus.EventAttachmentRelayed, msg, nil, nil)
	}

	return ctx.Err()
}

// relayAttachment runs fetch, process and upload for one attachment and sends the result.
func (d *AttachmentRelay) relayAttachment(ctx context.Context, msg bus.InboundMessage, attachment bus.Attachment, reply bus.Replier) error {
	payload, err := d.fetcher.FetchAttachment(ctx, msg.Channel, attachment)
	if err != nil {
		return err
	}

	processed, err := d.processor.Process(ctx, payload)
	if err != nil {
		return err
	}

	uploaded, err := d.upload(ctx, msg, processed)
	if err != nil {
		return relay.NewError(relay.StageUpload, "upload processed image", err)
	}

	out := msg.NewReply()
	out.Attachments = append(out.Attachments, uploaded)
	if err := reply.Reply(ctx, out); err != nil {
		return relay.NewError(relay.StageUpload, "send reply attachment", err)
	}

	return nil
}

func (d *AttachmentRelay) upload(ctx context.Context, msg bus.InboundMessage, data []byte) (bus.Attachment, error) {
	if d.uploadFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.uploadFor)
		defer cancel()
	}

	return d.uploader.UploadAttachment(ctx, msg.ServiceURL, msg.ConversationID, data)
}

func (d *AttachmentRelay) accepts(contentType string) bool {
	return slices.Contains(d.accepted, contentType)
}

func (d *AttachmentRelay) acknowledgement() string {
	if d.coinFlip() {
		return AcknowledgementTexts[1]
	}
	return AcknowledgementTexts[0]
}

func (d *AttachmentRelay) sendText(ctx context.Context, log *slog.Logger, msg bus.InboundMessage, reply bus.Replier, text string) {
	out := msg.NewReply()
	out.Content = text
	if err := reply.Reply(ctx, out); err != nil {
		log.Error("Failed to send reply", "error", err)
	}
}

func (d *AttachmentRelay) publish(ctx context.Context, eventType bus.EventType, msg bus.InboundMessage, payload map[string]string, err error) {
	if d.events == nil {
		return
	}

	event := bus.Event{
		Type:           eventType,
		Channel:        msg.Channel,
		ConversationID: msg.ConversationID,
		SessionKey:     msg.SessionKey,
		Payload:        payload,
	}
	if err != nil {
		event.Error = err.Error()
	}

	d.events.PublishEvent(ctx, event)
}
