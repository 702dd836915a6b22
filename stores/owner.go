package stores

import (
	"context"
	"errors"
	"time"

	"whiteboard-server/core"

	"github.com/sirupsen/logrus"
)

// OwnerCheck returns a lookup reporting whether userID owns documentID, so
// it may save it. Each lookup is bounded by timeout.
func OwnerCheck(store core.DocumentStore, timeout time.Duration) func(ctx context.Context, documentID, userID string) bool {
	return func(ctx context.Context, documentID, userID string) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		_, err := store.Get(ctx, documentID, userID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"document_id": documentID,
				"user_id":     userID,
			}).WithError(err).Warn("Owner lookup failed")
		}
		return err == nil
	}
}
