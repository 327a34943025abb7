package botframework

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"logobot/pkg/bus"
	"logobot/pkg/channel"
	"logobot/pkg/relay"
)

const defaultConnectorTimeout = 30 * time.Second

// Connector calls the Bot Framework connector REST API of one conversation's service URL.
type Connector struct {
	client  *http.Client
	tokens  relay.TokenSource
	timeout time.Duration
	log     *slog.Logger
}

type attachmentData struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	OriginalBase64 string `json:"originalBase64"`
}

type resourceResponse struct {
	ID string `json:"id"`
}

// NewConnector builds a connector client. tokens may be nil when requests go unauthenticated.
func NewConnector(client *http.Client, tokens relay.TokenSource, timeout time.Duration, log *slog.Logger) *Connector {
	if timeout <= 0 {
		timeout = defaultConnectorTimeout
	}
	if client == nil {
		client = relay.NewHTTPClient(timeout)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Connector{
		client:  client,
		tokens:  tokens,
		timeout: timeout,
		log:     log.With("component", "channel.botframework.connector"),
	}
}

// SendActivity posts activity into a conversation, as a reply when ReplyToID is set.
func (c *Connector) SendActivity(ctx context.Context, serviceURL string, conversationID string, activity Activity) error {
	endpoint := conversationURL(serviceURL, conversationID, "activities")
	if activity.ReplyToID != "" {
		endpoint += "/" + url.PathEscape(activity.ReplyToID)
	}

	if err := c.postJSON(ctx, endpoint, activity, nil); err != nil {
		return fmt.Errorf("send activity: %w", err)
	}

	return nil
}

// UploadAttachment stores data in the conversation's attachment store and returns an
// attachment pointing at its original view.
func (c *Connector) UploadAttachment(ctx context.Context, serviceURL string, conversationID string, data []byte) (bus.Attachment, error) {
	if strings.TrimSpace(serviceURL) == "" || strings.TrimSpace(conversationID) == "" {
		return bus.Attachment{}, relay.NewError(relay.StageUpload, "service url and conversation id are required", nil)
	}

	request := attachmentData{
		Name:           channel.UploadedAttachmentName,
		Type:           channel.UploadedAttachmentContentType,
		OriginalBase64: base64.StdEncoding.EncodeToString(data),
	}

	var resource resourceResponse
	if err := c.postJSON(ctx, conversationURL(serviceURL, conversationID, "attachments"), request, &resource); err != nil {
		return bus.Attachment{}, relay.NewError(relay.StageUpload, "upload attachment", err)
	}
	if strings.TrimSpace(resource.ID) == "" {
		return bus.Attachment{}, relay.NewError(relay.StageUpload, "connector returned no attachment id", nil)
	}

	c.log.Debug("attachment uploaded", "conversation_id", conversationID, "attachment_id", resource.ID, "bytes", len(data))

	return bus.Attachment{
		ID:          resource.ID,
		Name:        channel.UploadedAttachmentName,
		ContentType: channel.UploadedAttachmentContentType,
		ContentURL:  AttachmentURI(serviceURL, resource.ID),
	}, nil
}

// AttachmentURI resolves the public URL of an uploaded attachment's original view.
func AttachmentURI(serviceURL string, attachmentID string) string {
	return strings.TrimRight(strings.TrimSpace(serviceURL), "/") + "/v3/attachments/" + url.PathEscape(attachmentID) + "/views/original"
}

func conversationURL(serviceURL string, conversationID string, resource string) string {
	return strings.TrimRight(strings.TrimSpace(serviceURL), "/") + "/v3/conversations/" + url.PathEscape(conversationID) + "/" + resource
}

func (c *Connector) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.BearerToken(ctx)
		if err != nil {
			return relay.NewError(relay.StageCredential, "acquire connector token", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("connector status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
