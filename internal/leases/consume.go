package leases

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/core"
	"github.com/leozw/credentials-manager/internal/queue"
)

// maxDuplicates bounds how many stale messages one retrieval skips.
const maxDuplicates = 16

// Delivery is what a consumer receives from one retrieval.
type Delivery struct {
	Leases []core.LeasePayload
	Batch  bool
}

// Retrieve takes the next message of the network queue and moves its leases
// from in_queue to sent. Messages whose leases are no longer in_queue are
// duplicates; they are acked and skipped.
func (s *Service) Retrieve(ctx context.Context, network string) (*Delivery, error) {
	logger := s.logger.With(zap.String("network", network))

	for i := 0; i < maxDuplicates; i++ {
		var delivery *Delivery

		err := s.channel.Consume(ctx, network, func(ctx context.Context, body []byte) error {
			payloads, batch, err := core.DecodeDelivery(body)
			if err != nil {
				logger.Error("Dropping malformed message", zap.Error(err))
				return queue.ErrDiscard
			}

			byID := make(map[string]core.LeasePayload, len(payloads))
			ids := make([]string, 0, len(payloads))
			for _, p := range payloads {
				if _, err := uuid.Parse(p.ID); err != nil {
					logger.Warn("Dropping payload with invalid lease id", zap.String("lease_id", p.ID))
					continue
				}
				if _, seen := byID[p.ID]; seen {
					continue
				}
				byID[p.ID] = p
				ids = append(ids, p.ID)
			}

			// One transaction per message: an error commits none of its leases.
			moved, err := s.store.MarkSentBatch(ctx, ids)
			if err != nil {
				return err
			}
			movedSet := make(map[string]bool, len(moved))
			for _, id := range moved {
				movedSet[id] = true
			}

			sent := make([]core.LeasePayload, 0, len(moved))
			for _, id := range ids {
				if !movedSet[id] {
					continue
				}
				p := byID[id]
				p.Status = core.LeaseSent
				sent = append(sent, p)
			}
			if skipped := len(ids) - len(moved); skipped > 0 {
				logger.Debug("Duplicate delivery", zap.Int("skipped", skipped))
			}

			if len(sent) == 0 {
				return queue.ErrDiscard
			}
			delivery = &Delivery{Leases: sent, Batch: batch}
			return nil
		})

		switch {
		case err == nil:
			s.collector.RecordConsume(network, "sent")
			return delivery, nil
		case errors.Is(err, queue.ErrDiscard):
			s.collector.RecordConsume(network, "duplicate")
			continue
		case errors.Is(err, queue.ErrEmpty):
			s.collector.RecordConsume(network, "empty")
			return nil, ErrNoLeases
		default:
			return nil, err
		}
	}

	return nil, ErrNoLeases
}
