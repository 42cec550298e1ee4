package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/queue"
)

// handler adapts a typed Service call to queue.Handler. Every kind shares the
// same failure hook.
type handler[P any] struct {
	kind string
	svc  *Service
	run  func(ctx context.Context, p P) error
}

func (h *handler[P]) Kind() string { return h.kind }

func (h *handler[P]) Handle(ctx context.Context, raw []byte) error {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrapf(err, "decode %s payload", h.kind)
	}
	return h.run(ctx, p)
}

// Failed logs the exhausted job and alerts every operator once.
func (h *handler[P]) Failed(ctx context.Context, raw []byte, attempts int, lastErr error) {
	h.svc.log.Error("job exhausted its attempts",
		logger.String("kind", h.kind),
		logger.String("payload", string(raw)),
		logger.Int("attempts", attempts),
		logger.Error(lastErr),
	)

	alert := notify.BotAlert{
		Level:   models.SeverityWarning,
		Subject: fmt.Sprintf("job %s failed", h.kind),
		Detail:  fmt.Sprintf("%s failed after %d attempts: %v", h.kind, attempts, lastErr),
		Context: map[string]any{"kind": h.kind, "attempts": attempts, "payload": string(raw)},
	}
	if _, err := h.svc.AlertOperators(ctx, alert, ""); err != nil {
		h.svc.log.Error("alert operators about failed job", logger.String("kind", h.kind), logger.Error(err))
	}
}

// Register adds a handler for every job kind.
func Register(reg *queue.Registry, svc *Service) {
	reg.Register(&handler[CleanupPayload]{kind: KindPurgeExpiredListings, svc: svc,
		run: func(ctx context.Context, p CleanupPayload) error {
			_, err := svc.PurgeExpiredListings(ctx, p)
			return err
		}})
	reg.Register(&handler[StatusPayload]{kind: KindUpdateEntityStatus, svc: svc,
		run: func(ctx context.Context, p StatusPayload) error {
			_, err := svc.UpdateEntityStatus(ctx, p)
			return err
		}})
	reg.Register(&handler[ValidatePayload]{kind: KindValidateEntities, svc: svc,
		run: func(ctx context.Context, p ValidatePayload) error {
			report, err := svc.ValidateEntities(ctx, p.Kind, p.Limit)
			if err != nil {
				return err
			}
			queued, err := svc.EnqueueSuggestions(ctx, report, p.Date, nil)
			svc.log.Info("entity validation finished",
				logger.String("kind", string(report.Kind)),
				logger.Int("checked", report.Checked),
				logger.Int("invalid", len(report.Invalid)),
				logger.Int("suggestions_queued", queued),
			)
			return err
		}})
	reg.Register(&handler[AnalyticsPayload]{kind: KindRecomputeAnalytics, svc: svc,
		run: func(ctx context.Context, p AnalyticsPayload) error {
			_, err := svc.RecomputeAnalytics(ctx, p)
			return err
		}})
	reg.Register(&handler[SuggestionPayload]{kind: KindGenerateSuggestion, svc: svc,
		run: func(ctx context.Context, p SuggestionPayload) error {
			_, err := svc.SuggestImprovements(ctx, p)
			return err
		}})
	reg.Register(&handler[NotifyOwnerPayload]{kind: KindNotifyOwner, svc: svc,
		run: func(ctx context.Context, p NotifyOwnerPayload) error {
			_, err := svc.NotifyOwner(ctx, p)
			return err
		}})
	reg.Register(&handler[PriceAlertPayload]{kind: KindSendPriceAlert, svc: svc,
		run: func(ctx context.Context, p PriceAlertPayload) error {
			_, err := svc.SendPriceAlerts(ctx, p)
			return err
		}})
	reg.Register(&handler[NotificationPayload]{kind: KindSendNotification, svc: svc,
		run: func(ctx context.Context, p NotificationPayload) error {
			_, err := svc.SendNotification(ctx, p)
			return err
		}})
}
