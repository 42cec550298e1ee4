package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"listing-bot/internal/analytics"
	"listing-bot/internal/errors"
	"listing-bot/internal/models"
)

// Type names a message variant. It is the persisted notification type.
type Type string

const (
	TypeDailyDigest       Type = "daily_digest"
	TypeWeeklyReport      Type = "weekly_report"
	TypeExpiryWarning     Type = "expiry_warning"
	TypeExpiryCritical    Type = "expiry_critical"
	TypeExpired           Type = "expired"
	TypeListingRemoved    Type = "listing_removed"
	TypePriceChange       Type = "price_change"
	TypeBotAlert          Type = "bot_alert"
	TypeSystemMaintenance Type = "system_maintenance"
	TypeListingSuggestion Type = "listing_suggestion"
)

// Types lists every variant.
var Types = []Type{
	TypeDailyDigest, TypeWeeklyReport, TypeExpiryWarning, TypeExpiryCritical, TypeExpired,
	TypeListingRemoved, TypePriceChange, TypeBotAlert, TypeSystemMaintenance, TypeListingSuggestion,
}

// Message is the closed set of notification variants.
type Message interface {
	Type() Type
	Severity() models.Severity
	Title() string
	Body() string
	Data() map[string]any
	// Informational messages skip mail unless they are warning or worse.
	Informational() bool
	sealed()
}

// DailyDigest summarizes one day of platform activity.
type DailyDigest struct {
	Date          string `json:"date"`
	NewProperties int    `json:"new_properties"`
	NewEnquiries  int    `json:"new_enquiries"`
	NewUsers      int    `json:"new_users"`
}

func (DailyDigest) Type() Type                { return TypeDailyDigest }
func (DailyDigest) Severity() models.Severity { return models.SeverityInfo }
func (DailyDigest) Informational() bool       { return false }
func (DailyDigest) sealed()                   {}

func (m DailyDigest) Title() string { return "Daily summary for " + m.Date }

func (m DailyDigest) Body() string {
	return fmt.Sprintf("%d new properties, %d new enquiries and %d new users on %s.",
		m.NewProperties, m.NewEnquiries, m.NewUsers, m.Date)
}

func (m DailyDigest) Data() map[string]any {
	return map[string]any{
		"date":           m.Date,
		"new_properties": m.NewProperties,
		"new_enquiries":  m.NewEnquiries,
		"new_users":      m.NewUsers,
	}
}

// WeeklyReport carries one week of metrics and their trends.
type WeeklyReport struct {
	WeekStart string                           `json:"week_start"`
	Metrics   map[string]float64               `json:"metrics"`
	Trends    map[string]analytics.TrendResult `json:"trends"`
}

func (WeeklyReport) Type() Type                { return TypeWeeklyReport }
func (WeeklyReport) Severity() models.Severity { return models.SeverityInfo }
func (WeeklyReport) Informational() bool       { return false }
func (WeeklyReport) sealed()                   {}

func (m WeeklyReport) Title() string { return "Weekly report for week of " + m.WeekStart }

func (m WeeklyReport) Body() string {
	names := make([]string, 0, len(m.Metrics))
	for name := range m.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s", name, strconv.FormatFloat(m.Metrics[name], 'f', -1, 64))
		if t, ok := m.Trends[name]; ok {
			fmt.Fprintf(&b, " (%s, %+.2f%%)", t.Direction, t.ChangePercent)
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m WeeklyReport) Data() map[string]any {
	return map[string]any{"week_start": m.WeekStart, "metrics": m.Metrics, "trends": m.Trends}
}

// ExpiryWarning tells an owner a listing expires in DaysLeft days.
type ExpiryWarning struct {
	PropertyID int64     `json:"property_id"`
	Listing    string    `json:"listing"`
	ExpiresAt  time.Time `json:"expires_at"`
	DaysLeft   int       `json:"days_left"`
}

func (ExpiryWarning) Type() Type                { return TypeExpiryWarning }
func (ExpiryWarning) Severity() models.Severity { return models.SeverityWarning }
func (ExpiryWarning) Informational() bool       { return false }
func (ExpiryWarning) sealed()                   {}

func (m ExpiryWarning) Title() string {
	return fmt.Sprintf("Your listing expires in %d days", m.DaysLeft)
}

func (m ExpiryWarning) Body() string {
	return fmt.Sprintf("%q expires on %s. Renew it to keep it visible.", m.Listing, m.ExpiresAt.Format(time.DateOnly))
}

func (m ExpiryWarning) Data() map[string]any {
	return listingData(m.PropertyID, m.ExpiresAt, m.DaysLeft)
}

// ExpiryCritical is the last reminder before a listing expires.
type ExpiryCritical struct {
	PropertyID int64     `json:"property_id"`
	Listing    string    `json:"listing"`
	ExpiresAt  time.Time `json:"expires_at"`
	DaysLeft   int       `json:"days_left"`
}

func (ExpiryCritical) Type() Type                { return TypeExpiryCritical }
func (ExpiryCritical) Severity() models.Severity { return models.SeverityCritical }
func (ExpiryCritical) Informational() bool       { return false }
func (ExpiryCritical) sealed()                   {}

func (m ExpiryCritical) Title() string {
	return fmt.Sprintf("Your listing expires in %d days", m.DaysLeft)
}

func (m ExpiryCritical) Body() string {
	return fmt.Sprintf("%q expires on %s and will be hidden from search.", m.Listing, m.ExpiresAt.Format(time.DateOnly))
}

func (m ExpiryCritical) Data() map[string]any {
	return listingData(m.PropertyID, m.ExpiresAt, m.DaysLeft)
}

// Expired tells an owner their listing has expired.
type Expired struct {
	PropertyID int64     `json:"property_id"`
	Listing    string    `json:"listing"`
	ExpiredAt  time.Time `json:"expired_at"`
}

func (Expired) Type() Type                { return TypeExpired }
func (Expired) Severity() models.Severity { return models.SeverityWarning }
func (Expired) Informational() bool       { return false }
func (Expired) sealed()                   {}

func (m Expired) Title() string { return "Your listing has expired" }

func (m Expired) Body() string {
	return fmt.Sprintf("%q expired on %s. Renew it to publish it again.", m.Listing, m.ExpiredAt.Format(time.DateOnly))
}

func (m Expired) Data() map[string]any {
	return map[string]any{"property_id": m.PropertyID, "expired_at": m.ExpiredAt.Format(time.RFC3339)}
}

// ListingRemoved tells an owner an inactive listing was deactivated.
type ListingRemoved struct {
	PropertyID   int64  `json:"property_id"`
	Listing      string `json:"listing"`
	Reason       string `json:"reason"`
	InactiveDays int    `json:"inactive_days"`
}

func (ListingRemoved) Type() Type                { return TypeListingRemoved }
func (ListingRemoved) Severity() models.Severity { return models.SeverityWarning }
func (ListingRemoved) Informational() bool       { return false }
func (ListingRemoved) sealed()                   {}

func (m ListingRemoved) Title() string { return "Your listing was deactivated" }

func (m ListingRemoved) Body() string {
	return fmt.Sprintf("%q was deactivated: %s.", m.Listing, m.Reason)
}

func (m ListingRemoved) Data() map[string]any {
	return map[string]any{"property_id": m.PropertyID, "reason": m.Reason, "inactive_days": m.InactiveDays}
}

// PriceChange tells an enquirer a listing they asked about got cheaper.
type PriceChange struct {
	PropertyID    int64   `json:"property_id"`
	Listing       string  `json:"listing"`
	OldPrice      float64 `json:"old_price"`
	NewPrice      float64 `json:"new_price"`
	ChangePercent float64 `json:"change_percent"`
}

func (PriceChange) Type() Type                { return TypePriceChange }
func (PriceChange) Severity() models.Severity { return models.SeverityInfo }
func (PriceChange) Informational() bool       { return false }
func (PriceChange) sealed()                   {}

func (m PriceChange) Title() string { return "Price drop on " + m.Listing }

func (m PriceChange) Body() string {
	return fmt.Sprintf("%q dropped from %.0f to %.0f (%.2f%%).", m.Listing, m.OldPrice, m.NewPrice, m.ChangePercent)
}

func (m PriceChange) Data() map[string]any {
	return map[string]any{
		"property_id":    m.PropertyID,
		"old_price":      m.OldPrice,
		"new_price":      m.NewPrice,
		"change_percent": m.ChangePercent,
	}
}

// BotAlert reports a bot malfunction to operators.
type BotAlert struct {
	Level   models.Severity `json:"level"`
	Subject string          `json:"subject"`
	Detail  string          `json:"detail"`
	Context map[string]any  `json:"context,omitempty"`
}

func (BotAlert) Type() Type          { return TypeBotAlert }
func (BotAlert) Informational() bool { return false }
func (BotAlert) sealed()             {}

// Severity defaults to warning.
func (m BotAlert) Severity() models.Severity {
	if m.Level == "" {
		return models.SeverityWarning
	}
	return m.Level
}

func (m BotAlert) Title() string { return "[bot] " + m.Subject }
func (m BotAlert) Body() string  { return m.Detail }

func (m BotAlert) Data() map[string]any {
	data := map[string]any{"subject": m.Subject}
	for k, v := range m.Context {
		data[k] = v
	}
	return data
}

// SystemMaintenance announces what a maintenance pass removed.
type SystemMaintenance struct {
	Date    string           `json:"date"`
	Removed map[string]int64 `json:"removed"`
}

func (SystemMaintenance) Type() Type                { return TypeSystemMaintenance }
func (SystemMaintenance) Severity() models.Severity { return models.SeverityInfo }
func (SystemMaintenance) Informational() bool       { return true }
func (SystemMaintenance) sealed()                   {}

func (m SystemMaintenance) Title() string { return "System maintenance completed " + m.Date }

func (m SystemMaintenance) Body() string {
	var total int64
	for _, n := range m.Removed {
		total += n
	}
	return fmt.Sprintf("Maintenance removed %d expired records.", total)
}

func (m SystemMaintenance) Data() map[string]any {
	return map[string]any{"date": m.Date, "removed": m.Removed}
}

// ListingSuggestion offers owners fixes for listing quality issues.
type ListingSuggestion struct {
	PropertyID  int64    `json:"property_id"`
	Listing     string   `json:"listing"`
	Suggestions []string `json:"suggestions"`
}

func (ListingSuggestion) Type() Type                { return TypeListingSuggestion }
func (ListingSuggestion) Severity() models.Severity { return models.SeverityInfo }
func (ListingSuggestion) Informational() bool       { return true }
func (ListingSuggestion) sealed()                   {}

func (m ListingSuggestion) Title() string { return "Suggestions for " + m.Listing }

func (m ListingSuggestion) Body() string {
	return "- " + strings.Join(m.Suggestions, "\n- ")
}

func (m ListingSuggestion) Data() map[string]any {
	return map[string]any{"property_id": m.PropertyID, "suggestions": m.Suggestions}
}

func listingData(propertyID int64, expiresAt time.Time, daysLeft int) map[string]any {
	return map[string]any{
		"property_id": propertyID,
		"expires_at":  expiresAt.Format(time.RFC3339),
		"days_left":   daysLeft,
	}
}

// Decode rebuilds a variant from its JSON payload.
func Decode(t Type, raw []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch t {
	case TypeDailyDigest:
		msg, err = decodeAs[DailyDigest](raw)
	case TypeWeeklyReport:
		msg, err = decodeAs[WeeklyReport](raw)
	case TypeExpiryWarning:
		msg, err = decodeAs[ExpiryWarning](raw)
	case TypeExpiryCritical:
		msg, err = decodeAs[ExpiryCritical](raw)
	case TypeExpired:
		msg, err = decodeAs[Expired](raw)
	case TypeListingRemoved:
		msg, err = decodeAs[ListingRemoved](raw)
	case TypePriceChange:
		msg, err = decodeAs[PriceChange](raw)
	case TypeBotAlert:
		msg, err = decodeAs[BotAlert](raw)
	case TypeSystemMaintenance:
		msg, err = decodeAs[SystemMaintenance](raw)
	case TypeListingSuggestion:
		msg, err = decodeAs[ListingSuggestion](raw)
	default:
		return nil, errors.Newf("unknown notification type %q", t)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", t)
	}
	return msg, nil
}

func decodeAs[M Message](raw []byte) (Message, error) {
	var m M
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
