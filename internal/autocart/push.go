package autocart

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// NotificationData travels with a notification to its click handler.
type NotificationData struct {
	URL           string `json:"url"`
	DateOfArrival int64  `json:"dateOfArrival"`
	PrimaryKey    int    `json:"primaryKey"`
}

type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Actions []NotificationAction `json:"actions"`
	Data    NotificationData     `json:"data"`
}

// pushPayload is the JSON a push message may carry. Every field is optional.
type pushPayload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	URL     string               `json:"url"`
	Actions []NotificationAction `json:"actions"`
}

var defaultActions = []NotificationAction{
	{Action: "view", Title: "View"},
	{Action: "dismiss", Title: "Dismiss"},
}

// HandlePush turns a push message into a notification. An empty message
// shows nothing; a malformed one is logged and dropped.
func (w *Worker) HandlePush(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		w.log.Debug().Msg("push without data")
		return nil
	}
	p, err := parsePushPayload(data)
	if err != nil {
		w.stats.pushDropped.Add(1)
		w.log.Warn().Err(err).Msg("could not parse push data")
		return nil
	}
	n := w.buildNotification(p)
	if w.notifier == nil {
		w.stats.pushDropped.Add(1)
		w.log.Warn().Str("title", n.Title).Msg("no notifier, push dropped")
		return nil
	}
	if err := w.notifier.ShowNotification(ctx, n); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	w.stats.pushShown.Add(1)
	return nil
}

// parsePushPayload requires a JSON object. Fields of an unexpected type are
// left empty so their defaults apply.
func parsePushPayload(data []byte) (pushPayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return pushPayload{}, err
	}
	str := func(name string) string {
		var v string
		if raw, ok := fields[name]; ok && json.Unmarshal(raw, &v) != nil {
			return ""
		}
		return v
	}
	p := pushPayload{Title: str("title"), Body: str("body"), URL: str("url")}
	if raw, ok := fields["actions"]; ok {
		var actions []NotificationAction
		if json.Unmarshal(raw, &actions) == nil {
			p.Actions = actions
		}
	}
	return p, nil
}

func (w *Worker) buildNotification(p pushPayload) Notification {
	n := Notification{
		ID:      uuid.NewString(),
		Title:   firstNonEmpty(p.Title, w.cfg.Push.DefaultTitle),
		Body:    firstNonEmpty(p.Body, w.cfg.Push.DefaultBody),
		Icon:    w.cfg.Push.Icon,
		Badge:   w.cfg.Push.Icon,
		Vibrate: []int{100, 50, 100},
		Actions: p.Actions,
		Data: NotificationData{
			URL:           firstNonEmpty(p.URL, "/"),
			DateOfArrival: time.Now().UnixMilli(),
			PrimaryKey:    1,
		},
	}
	if len(n.Actions) == 0 {
		n.Actions = append([]NotificationAction(nil), defaultActions...)
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ---- permission ----

// PermissionState is the notification permission tri-state.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// PermissionPrompter reads and asks for notification permission.
type PermissionPrompter interface {
	Permission() PermissionState
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// RequestNotificationPermission reports whether notifications may be shown.
// An existing grant is reused; otherwise the user is asked exactly once.
func RequestNotificationPermission(ctx context.Context, p PermissionPrompter) (bool, error) {
	if p.Permission() == PermissionGranted {
		return true, nil
	}
	st, err := p.RequestPermission(ctx)
	if err != nil {
		return false, err
	}
	return st == PermissionGranted, nil
}

// FixedPrompter answers every prompt with Answer and remembers it.
type FixedPrompter struct {
	State  PermissionState
	Answer PermissionState
	Asked  int
}

func (p *FixedPrompter) Permission() PermissionState {
	if p.State == "" {
		return PermissionDefault
	}
	return p.State
}

func (p *FixedPrompter) RequestPermission(context.Context) (PermissionState, error) {
	p.Asked++
	p.State = p.Answer
	return p.Permission(), nil
}

// ---- subscription ----

// Subscription is a push channel handle, in the browser PushSubscription
// JSON shape.
type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime"`
	Keys           SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s *Subscription) toWebPush() *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys:     webpush.Keys{P256dh: s.Keys.P256dh, Auth: s.Keys.Auth},
	}
}

// SubscribeOptions are passed to the push service.
type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// PushService creates push subscriptions.
type PushService interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
}

// decodeApplicationKey decodes a base64url key, padded or not.
func decodeApplicationKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, ErrNoPushKey
	}
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

// LocalPushService issues subscriptions whose endpoints point at this
// process, so pushes can be delivered through the control API.
type LocalPushService struct {
	// EndpointBase is the URL prefix for endpoints, e.g. http://127.0.0.1:8081/push/.
	EndpointBase string
}

func (s LocalPushService) Subscribe(_ context.Context, opts SubscribeOptions) (*Subscription, error) {
	if len(opts.ApplicationServerKey) == 0 {
		return nil, ErrNoPushKey
	}
	_, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, err
	}
	return &Subscription{
		Endpoint: s.EndpointBase + uuid.NewString(),
		Keys: SubscriptionKeys{
			P256dh: pub,
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}, nil
}
