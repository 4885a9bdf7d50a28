package socket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"cloudcollab/internal/account"
	"cloudcollab/internal/activity"
	"cloudcollab/internal/document/model"
	"cloudcollab/internal/document/service"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"
)

// dashboard streams what the document list page shows: the caller's
// documents, the recent activity panel and toasts for other users' actions.
type dashboard struct {
	toaster *activity.Toaster
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// ServeDashboard upgrades an authenticated request on /ws/dashboard.
func ServeDashboard(hub *Hub, docs *service.DocumentService, w http.ResponseWriter, r *http.Request, acc store.Account, claims *account.Claims) {
	client := attach(hub, w, r, "", acc, claims)
	if client == nil {
		return
	}
	client.dashboard = openDashboard(client, docs, hub.deps.Activity, hub.deps.Config.RecentActivityLimit, hub.deps.Config.ToastDismiss)
	logger.Sugar.Infof("Account %s opened the dashboard", acc.ID)
	go client.readPump()
}

func openDashboard(c *Client, docs *service.DocumentService, feed *activity.Feed, limit int, toastDismiss time.Duration) *dashboard {
	ctx, stop := context.WithCancel(context.Background())
	d := &dashboard{stop: stop}

	list, _ := docs.SubscribeDocuments(ctx, c.Account)
	pipe(&d.wg, list, func(v []model.DocumentMetadata) { c.queue(DocumentsType, nonNil(v)) })

	recent, _ := feed.SubscribeRecent(ctx, limit)
	pipe(&d.wg, recent, c.Activity)

	d.toaster = activity.NewToaster(toastDismiss, c.Toast, c.ToastDismiss)
	toasts, _ := feed.SubscribeLatestForToast(ctx, c.Account.ID)
	pipe(&d.wg, toasts, d.toaster.Show)
	return d
}

func (d *dashboard) handle(c *Client, msg WSMessage) {
	switch msg.Type {
	case DismissToastType:
		d.toaster.Dismiss()
	case PingType:
		c.queue(PongType, nil)
	default:
		c.sendError("unknown message type " + msg.Type)
	}
}

func (d *dashboard) Close() {
	d.toaster.Stop()
	d.stop()
	d.wg.Wait()
}

func pipe[T any](wg *sync.WaitGroup, ch <-chan T, fn func(T)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := range ch {
			fn(v)
		}
	}()
}
