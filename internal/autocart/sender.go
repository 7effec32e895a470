package autocart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// PushMessage is what the worker's push handler understands.
type PushMessage struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Sender delivers push messages to subscriptions over the Web Push protocol.
type Sender struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	HTTPClient      *http.Client
}

// GenerateVAPIDKeys returns a new base64url key pair.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}

// Send encrypts msg for sub and posts it to the subscription endpoint.
func (s *Sender) Send(ctx context.Context, sub *Subscription, msg PushMessage) error {
	if s.VAPIDPrivateKey == "" || s.VAPIDPublicKey == "" {
		return ErrNoPushKey
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 60
	}
	opts := &webpush.Options{
		Subscriber:      s.Subscriber,
		VAPIDPublicKey:  s.VAPIDPublicKey,
		VAPIDPrivateKey: s.VAPIDPrivateKey,
		TTL:             ttl,
	}
	if s.HTTPClient != nil {
		opts.HTTPClient = s.HTTPClient
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub.toWebPush(), opts)
	if err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("push send: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
