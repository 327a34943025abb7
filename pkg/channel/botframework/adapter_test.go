package botframework

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"logobot/pkg/bus"
	"logobot/pkg/config"
	"logobot/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const testAppID = "app-id"

type signer struct {
	key *rsa.PrivateKey
	kid string
}

func newSigner(t *testing.T) *signer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return &signer{key: key, kid: "test-key"}
}

type testKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keySet renders the public half of the signing key as a JWK set document.
func (s *signer) keySet() map[string][]testKey {
	return map[string][]testKey{"keys": {{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: s.kid,
		N:   base64.RawURLEncoding.EncodeToString(s.key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.key.E)).Bytes()),
	}}}
}

func (s *signer) keySetServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.keySet())
	}))
	t.Cleanup(server.Close)

	return server
}

func (s *signer) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return signed
}

func validClaims(serviceURL string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":        tokenIssuer,
		"aud":        testAppID,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"nbf":        time.Now().Add(-time.Minute).Unix(),
		"serviceurl": serviceURL,
	}
}

type capturedActivity struct {
	path     string
	activity Activity
}

// connectorStub records activities posted to the connector API.
type connectorStub struct {
	mu         sync.Mutex
	activities []capturedActivity
	server     *httptest.Server
}

func newConnectorStub(t *testing.T) *connectorStub {
	t.Helper()

	stub := &connectorStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var activity Activity
		_ = json.NewDecoder(r.Body).Decode(&activity)
		stub.mu.Lock()
		stub.activities = append(stub.activities, capturedActivity{path: r.URL.EscapedPath(), activity: activity})
		stub.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"reply-1"}`))
	}))
	t.Cleanup(stub.server.Close)

	return stub
}

func (s *connectorStub) captured() []capturedActivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedActivity(nil), s.activities...)
}

func messageActivityJSON(serviceURL string) string {
	activity := Activity{
		Type:         ActivityTypeMessage,
		ID:           "activity-1",
		ServiceURL:   serviceURL,
		ChannelID:    "skype",
		From:         ChannelAccount{ID: "29:user", Name: "Ada"},
		Recipient:    ChannelAccount{ID: "28:bot", Name: "logobot"},
		Conversation: ConversationAccount{ID: "conv-1"},
		Attachments: []Attachment{{
			ContentType: "image/jpeg",
			ContentURL:  "https://api.asm.skype.com/v1/objects/0-1/views/imgpsh_fullsize",
			Name:        "photo.jpg",
		}},
	}
	encoded, _ := json.Marshal(activity)
	return string(encoded)
}

func postActivity(handler http.Handler, body string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, messagesPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMessagingEndpointDispatchesAuthenticatedActivity(t *testing.T) {
	signer := newSigner(t)
	keys := signer.keySetServer(t)
	connector := newConnectorStub(t)

	adapter, err := NewAdapter(config.BotFrameworkConfig{
		Listen:        "127.0.0.1:0",
		AppID:         testAppID,
		OpenIDKeysURL: keys.URL,
	}, nil, nil, logger.Discard())
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	received := make(chan bus.InboundMessage, 1)
	handler := func(ctx context.Context, msg bus.InboundMessage, reply bus.Replier) error {
		out := msg.NewReply()
		out.Content = "hello"
		if err := reply.Reply(ctx, out); err != nil {
			t.Errorf("Reply error: %v", err)
		}
		received <- msg
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turns := newConversationQueue()
	server, err := adapter.newServer(ctx, handler, turns)
	if err != nil {
		t.Fatalf("newServer error: %v", err)
	}

	rec := postActivity(server, messageActivityJSON(connector.server.URL), signer.token(t, validClaims(connector.server.URL)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var msg bus.InboundMessage
	select {
	case msg = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	turns.Wait()

	if msg.Channel != "skype" || msg.ConversationID != "conv-1" || msg.MessageID != "activity-1" {
		t.Fatalf("inbound = %+v", msg)
	}
	if msg.SessionKey != "botframework:conv-1" {
		t.Fatalf("session key = %q", msg.SessionKey)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].ContentType != "image/jpeg" {
		t.Fatalf("attachments = %+v", msg.Attachments)
	}

	sent := connector.captured()
	if len(sent) != 1 {
		t.Fatalf("connector received %d activities, want 1", len(sent))
	}
	if sent[0].path != "/v3/conversations/conv-1/activities/activity-1" {
		t.Fatalf("reply path = %q", sent[0].path)
	}
	if sent[0].activity.Text != "hello" || sent[0].activity.From.ID != "28:bot" || sent[0].activity.Recipient.ID != "29:user" {
		t.Fatalf("reply activity = %+v", sent[0].activity)
	}
}

func TestMessagingEndpointRejectsInvalidTokens(t *testing.T) {
	signer := newSigner(t)
	keys := signer.keySetServer(t)

	adapter, err := NewAdapter(config.BotFrameworkConfig{
		Listen:        "127.0.0.1:0",
		AppID:         testAppID,
		OpenIDKeysURL: keys.URL,
	}, nil, nil, logger.Discard())
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	called := make(chan struct{}, 4)
	handler := func(context.Context, bus.InboundMessage, bus.Replier) error {
		called <- struct{}{}
		return nil
	}
	turns := newConversationQueue()
	server, err := adapter.newServer(t.Context(), handler, turns)
	if err != nil {
		t.Fatalf("newServer error: %v", err)
	}
	body := messageActivityJSON("https://smba.example.com/")

	wrongAudience := validClaims("https://smba.example.com/")
	wrongAudience["aud"] = "someone-else"
	expired := validClaims("https://smba.example.com/")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongIssuer := validClaims("https://smba.example.com/")
	wrongIssuer["iss"] = "https://evil.example.com"

	cases := map[string]jwt.MapClaims{
		"audience": wrongAudience,
		"expired":  expired,
		"issuer":   wrongIssuer,
	}
	for name, claims := range cases {
		rec := postActivity(server, body, signer.token(t, claims))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want %d", name, rec.Code, http.StatusUnauthorized)
		}
	}

	if rec := postActivity(server, body, ""); rec.Code == http.StatusAccepted {
		t.Fatal("expected missing token to be rejected")
	}

	mismatched := postActivity(server, body, signer.token(t, validClaims("https://other.example.com/")))
	if mismatched.Code != http.StatusUnauthorized {
		t.Fatalf("service url mismatch: status = %d, want %d", mismatched.Code, http.StatusUnauthorized)
	}

	turns.Wait()
	if len(called) != 0 {
		t.Fatalf("handler invoked %d times, want 0", len(called))
	}
}

func TestMessagingEndpointSkipAuthAndNonMessageActivities(t *testing.T) {
	adapter, err := NewAdapter(config.BotFrameworkConfig{
		Listen:   "127.0.0.1:0",
		SkipAuth: true,
	}, nil, nil, logger.Discard())
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	var mu sync.Mutex
	count := 0
	handler := func(context.Context, bus.InboundMessage, bus.Replier) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}
	turns := newConversationQueue()
	server, err := adapter.newServer(t.Context(), handler, turns)
	if err != nil {
		t.Fatalf("newServer error: %v", err)
	}

	update := `{"type":"conversationUpdate","serviceUrl":"https://smba.example.com","conversation":{"id":"conv-1"}}`
	if rec := postActivity(server, update, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("conversationUpdate status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if rec := postActivity(server, messageActivityJSON("https://smba.example.com"), ""); rec.Code != http.StatusAccepted {
		t.Fatalf("message status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if rec := postActivity(server, `{"type":"message"}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete message status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	turns.Wait()
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("handler invoked %d times, want 1", count)
	}
}

func TestNewAdapterRequiresAppIDWithAuth(t *testing.T) {
	if _, err := NewAdapter(config.BotFrameworkConfig{Listen: "127.0.0.1:0"}, nil, nil, nil); err == nil {
		t.Fatal("expected error without app id")
	}
	if _, err := NewAdapter(config.BotFrameworkConfig{AppID: testAppID}, nil, nil, nil); err == nil {
		t.Fatal("expected error without listen address")
	}
	if _, err := NewAdapter(config.BotFrameworkConfig{Listen: "127.0.0.1:0", AppID: testAppID}, nil, nil, nil); err == nil {
		t.Fatal("expected error without key set url")
	}
}

func TestKeySetRefreshesUnknownKeyAtMostOncePerInterval(t *testing.T) {
	signer := newSigner(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(signer.keySet())
	}))
	defer server.Close()

	keys, err := newKeySet(t.Context(), server.URL, server.Client(), logger.Discard(), rate.NewLimiter(rate.Every(time.Hour), 1))
	if err != nil {
		t.Fatalf("newKeySet error: %v", err)
	}
	lookup := keys.Keyfunc(context.Background())

	known := jwt.New(jwt.SigningMethodRS256)
	known.Header["kid"] = signer.kid
	unknown := jwt.New(jwt.SigningMethodRS256)
	unknown.Header["kid"] = "unknown"

	key, err := lookup(known)
	if err != nil {
		t.Fatalf("known key error: %v", err)
	}
	public, ok := key.(*rsa.PublicKey)
	if !ok || public.N.Cmp(signer.key.N) != 0 || public.E != signer.key.E {
		t.Fatalf("key = %#v, want signer public key", key)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("key set requests after load = %d, want 1", got)
	}

	if _, err := lookup(unknown); err == nil {
		t.Fatal("expected unknown key error")
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("key set requests after unknown key = %d, want 2", got)
	}

	if _, err := lookup(unknown); err == nil {
		t.Fatal("expected unknown key error inside refresh interval")
	}
	if _, err := lookup(known); err != nil {
		t.Fatalf("cached key error: %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("key set requests inside refresh interval = %d, want 2", got)
	}
}

func TestConversationQueueKeepsOrderPerKey(t *testing.T) {
	queue := newConversationQueue()

	var mu sync.Mutex
	order := map[string][]int{}
	release := make(chan struct{})

	for i := range 5 {
		for _, key := range []string{"a", "b"} {
			queue.Enqueue(key, func() {
				if i == 0 {
					<-release
				}
				mu.Lock()
				order[key] = append(order[key], i)
				mu.Unlock()
			})
		}
	}
	close(release)
	queue.Wait()

	for _, key := range []string{"a", "b"} {
		got := order[key]
		if len(got) != 5 {
			t.Fatalf("%s ran %d jobs, want 5", key, len(got))
		}
		for i, value := range got {
			if value != i {
				t.Fatalf("%s order = %v", key, got)
			}
		}
	}
}
