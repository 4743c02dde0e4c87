package memory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// PurgeOnce deletes expired turns in a transaction of its own.
func PurgeOnce(ctx context.Context, b Backend, h *ChatHistory) (int, error) {
	var purged int
	err := WithTx(ctx, b, func(tx Tx) error {
		n, err := h.PurgeExpired(ctx, tx)
		purged = n
		return err
	})
	return purged, err
}

// StartExpirySweeper purges expired turns every interval until ctx is done.
// onPurge, when set, receives the number of rows removed by each run.
func StartExpirySweeper(ctx context.Context, b Backend, h *ChatHistory, interval time.Duration, logger logrus.FieldLogger, onPurge func(int)) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := PurgeOnce(ctx, b, h)
				if err != nil {
					if ctx.Err() == nil {
						logger.WithError(err).Warn("expired turn sweep failed")
					}
					continue
				}
				if n > 0 {
					logger.WithField("purged", n).Info("expired turns purged")
				}
				if onPurge != nil {
					onPurge(n)
				}
			}
		}
	}()
}
