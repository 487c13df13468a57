package notifier

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/skroutz/uploader/backend"
	"github.com/skroutz/uploader/job"
)

// Forward notifies dst through b about every upload reaching a terminal
// state, until ctx is cancelled. b must be started; Forward consumes its
// delivery reports until they are closed by b.Stop.
func Forward(ctx context.Context, n *Notifier, b backend.Backend, dst string, logger log.Logger) {
	logger = log.With(logger, "backend", b.ID(), "dst", dst)

	notify := func(cb job.Callback) {
		if err := b.Notify(dst, cb); err != nil {
			level.Warn(logger).Log("msg", "could not notify", "upload", cb.UploadID, "err", err)
		}
	}

	success := n.SubscribeSuccess(func(id string, s Succeeded) {
		notify(job.Callback{Success: true, UploadID: id, Metadata: s.Metadata})
	})
	failure := n.SubscribeFailure(func(id string, f Failed) {
		cb := job.Callback{UploadID: id, Error: f.Detail, Metadata: f.Metadata}
		if f.Reason != nil {
			cb.Reason = f.Reason.String()
		}
		notify(cb)
	})

	go func() {
		for cb := range b.DeliveryReports() {
			if cb.Delivered {
				level.Debug(logger).Log("msg", "callback delivered", "upload", cb.UploadID)
				continue
			}
			level.Warn(logger).Log("msg", "callback not delivered", "upload", cb.UploadID,
				"err", cb.DeliveryError)
		}
	}()

	<-ctx.Done()
	n.Unsubscribe(success)
	n.Unsubscribe(failure)
}
