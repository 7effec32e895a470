package autocart

import (
	"context"
	"fmt"
)

// NotificationClick is a click on a notification or one of its actions.
type NotificationClick struct {
	Notification Notification
	// Action is the clicked action, or "" for the notification body.
	Action string
}

// HandleNotificationClick closes the notification and, unless it was
// dismissed, focuses a window already showing its URL or opens one.
func (w *Worker) HandleNotificationClick(ctx context.Context, click NotificationClick) error {
	n := click.Notification
	if w.notifier != nil {
		w.notifier.CloseNotification(n.ID)
	}
	if click.Action == "dismiss" {
		return nil
	}
	if w.clients == nil {
		return fmt.Errorf("notification click: no clients")
	}

	target := firstNonEmpty(n.Data.URL, "/")
	windows, err := w.clients.MatchAll(ctx)
	if err != nil {
		return fmt.Errorf("match windows: %w", err)
	}
	for _, c := range windows {
		if c.URL() == target {
			w.log.Debug().Str("url", target).Str("window", c.ID()).Msg("focusing window")
			return c.Focus(ctx)
		}
	}
	w.log.Debug().Str("url", target).Msg("opening window")
	_, err = w.clients.OpenWindow(ctx, target)
	return err
}
