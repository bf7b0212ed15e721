package dlr

import (
	"context"
	"strings"
	"time"

	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/repository"
	"go.uber.org/zap"
)

// MapStatusCode folds provider DLR vocabulary (SMPP-style states and common
// HTTP-provider spellings) into the canonical delivery statuses.
func MapStatusCode(code string) model.DeliveryStatus {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "DELIVRD", "DELIVERED":
		return model.DeliveryDelivered
	case "READ":
		return model.DeliveryRead
	case "UNDELIV", "UNDELIVERABLE", "FAILED", "REJECTD", "REJECTED", "EXPIRED":
		return model.DeliveryFailed
	case "ENROUTE", "ACCEPTD", "ACCEPTED", "PENDING", "QUEUED":
		return model.DeliveryPending
	default:
		return model.DeliveryUnknown
	}
}

// Processor ingests delivery receipts idempotently and reconciles them onto
// message and campaign state. Every failure mode is contained: a malformed or
// irrelevant receipt never blocks ingestion of the ones behind it.
type Processor struct {
	receipts  repository.ReceiptsRepository
	messages  repository.MessagesRepository
	campaigns repository.CampaignsRepository
	log       *zap.Logger
}

func NewProcessor(
	receiptsRepo repository.ReceiptsRepository,
	messagesRepo repository.MessagesRepository,
	campaignsRepo repository.CampaignsRepository,
	log *zap.Logger,
) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		receipts:  receiptsRepo,
		messages:  messagesRepo,
		campaigns: campaignsRepo,
		log:       log,
	}
}

// Ingest applies one receipt. Duplicates are absorbed silently, receipts for
// unknown messages are logged and left for the backlog sweep, and a receipt
// that would move a message backward in terminality is rejected unapplied.
func (p *Processor) Ingest(ctx context.Context, rc model.DeliveryReceipt) error {
	if rc.ProviderMsgID == "" || rc.StatusCode == "" {
		p.log.Warn("discarding malformed receipt",
			zap.String("provider_msg_id", rc.ProviderMsgID),
			zap.String("status_code", rc.StatusCode))
		return nil
	}
	if rc.ReceivedAt.IsZero() {
		rc.ReceivedAt = time.Now()
	}

	fresh, err := p.receipts.InsertDedup(ctx, rc)
	if err != nil {
		return err
	}
	if !fresh {
		// already seen (messageId, statusCode): idempotent no-op
		metrics.ReceiptsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	_, resolved, err := p.apply(ctx, rc)
	if err != nil {
		return err
	}
	if !resolved {
		// keep it unprocessed; the backlog sweep retries and then discards
		return nil
	}
	return p.receipts.MarkProcessed(ctx, rc.ProviderMsgID, rc.StatusCode)
}

// apply resolves the target message and attempts the status transition.
// resolved=false means the provider message id matched nothing locally.
func (p *Processor) apply(ctx context.Context, rc model.DeliveryReceipt) (applied, resolved bool, err error) {
	msg, err := p.messages.GetByProviderMsgID(ctx, rc.ProviderMsgID)
	if err != nil {
		return false, false, err
	}
	if msg == nil {
		// a receipt for a message this system never sent, or one already purged
		metrics.ReceiptsTotal.WithLabelValues("unknown_target").Inc()
		p.log.Warn("receipt references unknown message",
			zap.String("provider_msg_id", rc.ProviderMsgID),
			zap.String("status_code", rc.StatusCode))
		return false, false, nil
	}

	next := MapStatusCode(rc.StatusCode)

	// A few CAS rounds absorb racing receipts for the same message.
	for range 3 {
		if next.Rank() <= msg.DeliveryStatus.Rank() {
			metrics.ReceiptsTotal.WithLabelValues("stale").Inc()
			p.log.Info("stale status transition rejected",
				zap.String("message_id", msg.ID),
				zap.String("current", msg.DeliveryStatus.String()),
				zap.String("incoming", next.String()))
			return false, true, nil
		}

		ok, err := p.messages.CasDeliveryStatus(ctx, nil, msg.ID, msg.DeliveryStatus, next)
		if err != nil {
			return false, true, err
		}
		if ok {
			p.bumpCampaign(ctx, msg, next)
			metrics.ReceiptsTotal.WithLabelValues("applied").Inc()
			return true, true, nil
		}

		// another writer moved the message; re-read and re-evaluate terminality
		msg, err = p.messages.GetByID(ctx, msg.ID)
		if err != nil {
			return false, true, err
		}
		if msg == nil {
			return false, false, nil
		}
	}

	metrics.ReceiptsTotal.WithLabelValues("stale").Inc()
	return false, true, nil
}

// bumpCampaign moves the receipt-side aggregate counters. A delivery failure
// lands in undelivered, never in the send-side failed counter: the message
// was already counted as sent, and touching failed would let the completion
// predicate double-count it.
func (p *Processor) bumpCampaign(ctx context.Context, msg *model.Message, next model.DeliveryStatus) {
	var delivered, read, undelivered int
	switch next {
	case model.DeliveryDelivered:
		delivered = 1
	case model.DeliveryRead:
		read = 1
	case model.DeliveryFailed:
		undelivered = 1
	default:
		return
	}

	if err := p.campaigns.AddDeliveryCounters(ctx, nil, msg.CampaignID, delivered, read, undelivered); err != nil {
		p.log.Error("campaign counter update failed",
			zap.String("campaign_id", msg.CampaignID), zap.Error(err))
	}
}

// SweepBacklog reprocesses receipts older than the cutoff that never resolved.
// A receipt whose target is still unknown after the retry is discarded (marked
// processed) so the backlog cannot grow without bound.
func (p *Processor) SweepBacklog(ctx context.Context, cutoff time.Duration, limit int) (int, error) {
	stale, err := p.receipts.ListUnprocessedBefore(ctx, time.Now().Add(-cutoff), limit)
	if err != nil {
		return 0, err
	}

	var handled int
	for _, rc := range stale {
		_, resolved, err := p.apply(ctx, rc)
		if err != nil {
			p.log.Warn("backlog reprocess failed",
				zap.String("provider_msg_id", rc.ProviderMsgID), zap.Error(err))
			continue
		}
		if !resolved {
			p.log.Info("discarding stale receipt with unknown target",
				zap.String("provider_msg_id", rc.ProviderMsgID),
				zap.String("status_code", rc.StatusCode))
		}
		if err := p.receipts.MarkProcessed(ctx, rc.ProviderMsgID, rc.StatusCode); err != nil {
			p.log.Warn("mark processed failed",
				zap.String("provider_msg_id", rc.ProviderMsgID), zap.Error(err))
			continue
		}
		handled++
	}
	return handled, nil
}
