package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/models"
	"listing-bot/internal/notify"
	"listing-bot/internal/queue"
	"listing-bot/internal/validation"
)

// Job kinds.
const (
	KindPurgeExpiredListings = "purge-expired-listings"
	KindUpdateEntityStatus   = "update-entity-status"
	KindValidateEntities     = "validate-entities"
	KindRecomputeAnalytics   = "recompute-analytics-period"
	KindGenerateSuggestion   = "generate-suggestion"
	KindNotifyOwner          = "notify-owner"
	KindSendPriceAlert       = "send-price-alert"
	KindSendNotification     = "send-notification"
)

// CleanupPayload is the purge-expired-listings payload.
type CleanupPayload struct {
	InactiveDays int    `json:"inactive_days"`
	Date         string `json:"date"`
}

// StatusPayload is the update-entity-status payload.
type StatusPayload struct {
	PropertyID   int64                 `json:"property_id"`
	From         models.PropertyStatus `json:"from"`
	To           models.PropertyStatus `json:"to"`
	InactiveDays int                   `json:"inactive_days,omitempty"`
}

// ValidatePayload is the validate-entities payload.
type ValidatePayload struct {
	Kind  validation.EntityKind `json:"kind"`
	Date  string                `json:"date"`
	Limit int                   `json:"limit,omitempty"`
}

// AnalyticsPayload is the recompute-analytics-period payload.
type AnalyticsPayload struct {
	Period models.PeriodKind `json:"period"`
	Date   string            `json:"date"`
}

// SuggestionPayload is the generate-suggestion payload.
type SuggestionPayload struct {
	PropertyID int64    `json:"property_id"`
	Issues     []string `json:"issues"`
	Date       string   `json:"date"`
}

// NotifyOwnerPayload is the notify-owner payload.
type NotifyOwnerPayload struct {
	Type       notify.Type `json:"type"`
	PropertyID int64       `json:"property_id"`
	Date       string      `json:"date"`
	DaysLeft   int         `json:"days_left,omitempty"`
}

// PriceAlertPayload is the send-price-alert payload.
type PriceAlertPayload struct {
	PropertyID int64   `json:"property_id"`
	OldPrice   float64 `json:"old_price"`
	NewPrice   float64 `json:"new_price"`
}

// NotificationPayload is the send-notification payload.
type NotificationPayload struct {
	Type      notify.Type      `json:"type"`
	Message   json.RawMessage  `json:"message"`
	Recipient notify.Recipient `json:"recipient"`
	DedupeKey string           `json:"dedupe_key,omitempty"`
}

// NotifyOwnerKey is shared by the job and its notification.
func NotifyOwnerKey(t notify.Type, propertyID int64, date string) string {
	return fmt.Sprintf("notify-owner-%s-%d-%s", t, propertyID, date)
}

// GenerateSuggestionKey is shared by the job and its notification.
func GenerateSuggestionKey(propertyID int64, date string) string {
	return fmt.Sprintf("generate-suggestion-%d-%s", propertyID, date)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// PurgeExpiredListings builds the cleanup job for date.
func PurgeExpiredListings(inactiveDays int, date string, runID *int64) queue.Job {
	return queue.Job{
		Kind:      KindPurgeExpiredListings,
		Queue:     queue.Maintenance,
		Payload:   CleanupPayload{InactiveDays: inactiveDays, Date: date},
		DedupeKey: fmt.Sprintf("cleanup-expired-listings-%d-%s", inactiveDays, date),
		Timeout:   600 * time.Second,
		RunID:     runID,
	}
}

// UpdateEntityStatus builds a status change job.
func UpdateEntityStatus(p StatusPayload, runID *int64) queue.Job {
	return queue.Job{
		Kind:      KindUpdateEntityStatus,
		Queue:     queue.Maintenance,
		Payload:   p,
		DedupeKey: fmt.Sprintf("update-entity-status-%d-%s", p.PropertyID, p.To),
		Timeout:   60 * time.Second,
		RunID:     runID,
	}
}

// ValidateEntities builds a validation sweep job.
func ValidateEntities(kind validation.EntityKind, date string, runID *int64) queue.Job {
	return queue.Job{
		Kind:      KindValidateEntities,
		Queue:     queue.Maintenance,
		Payload:   ValidatePayload{Kind: kind, Date: date},
		DedupeKey: fmt.Sprintf("validate-entities-%s-%s", kind, date),
		Timeout:   600 * time.Second,
		RunID:     runID,
	}
}

// RecomputeAnalytics builds an analytics job for one period.
func RecomputeAnalytics(period models.PeriodKind, date string, runID *int64) queue.Job {
	return queue.Job{
		Kind:      KindRecomputeAnalytics,
		Queue:     queue.Reports,
		Payload:   AnalyticsPayload{Period: period, Date: date},
		DedupeKey: fmt.Sprintf("recompute-analytics-%s-%s", period, date),
		Timeout:   300 * time.Second,
		RunID:     runID,
	}
}

// GenerateSuggestion builds a suggestion job for a listing with issues.
func GenerateSuggestion(propertyID int64, issues []string, date string, runID *int64) queue.Job {
	return queue.Job{
		Kind:      KindGenerateSuggestion,
		Queue:     queue.Reports,
		Payload:   SuggestionPayload{PropertyID: propertyID, Issues: issues, Date: date},
		DedupeKey: GenerateSuggestionKey(propertyID, date),
		Timeout:   120 * time.Second,
		RunID:     runID,
	}
}

// NotifyOwner builds an owner notice job.
func NotifyOwner(p NotifyOwnerPayload, runID *int64) queue.Job {
	return queue.Job{
		Kind:      KindNotifyOwner,
		Queue:     queue.Notifications,
		Payload:   p,
		DedupeKey: NotifyOwnerKey(p.Type, p.PropertyID, p.Date),
		Timeout:   60 * time.Second,
		RunID:     runID,
	}
}

// SendPriceAlert builds a price drop job.
func SendPriceAlert(p PriceAlertPayload, runID *int64) queue.Job {
	return queue.Job{
		Kind:      KindSendPriceAlert,
		Queue:     queue.Notifications,
		Payload:   p,
		DedupeKey: fmt.Sprintf("send-price-alert-%d-%s", p.PropertyID, formatPrice(p.NewPrice)),
		Timeout:   120 * time.Second,
		RunID:     runID,
	}
}

// SendNotification builds a job delivering msg to one recipient. key also
// dedupes the notification row.
func SendNotification(msg notify.Message, to notify.Recipient, key string, runID *int64) (queue.Job, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return queue.Job{}, errors.Wrapf(err, "encode %s", msg.Type())
	}
	recipient := to.Email
	if to.ID != 0 {
		recipient = strconv.FormatInt(to.ID, 10)
	}
	return queue.Job{
		Kind:      KindSendNotification,
		Queue:     queue.Notifications,
		Payload:   NotificationPayload{Type: msg.Type(), Message: raw, Recipient: to, DedupeKey: key},
		DedupeKey: fmt.Sprintf("send-notification-%s-%s-%s", msg.Type(), recipient, key),
		Timeout:   60 * time.Second,
		RunID:     runID,
	}, nil
}
