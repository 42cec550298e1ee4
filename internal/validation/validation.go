// Package validation evaluates declarative rules against entity snapshots and
// returns human-readable issues. It never touches the store, so the same call
// behaves identically in a request handler and inside a job.
package validation

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"listing-bot/internal/clock"
	"listing-bot/internal/errors"
	"listing-bot/internal/models"
)

// EntityKind names a validated entity.
type EntityKind string

const (
	KindProperty EntityKind = "property"
	KindUser     EntityKind = "user"
	KindEnquiry  EntityKind = "enquiry"
)

// Rule is one cross-field check. Violated returns true when the snapshot breaks it.
type Rule[T any] struct {
	Message  string
	Violated func(snapshot T, now time.Time) bool
}

// Engine validates snapshots. Safe for concurrent use.
type Engine struct {
	clock    clock.Clock
	validate *validator.Validate
}

// New builds an Engine. Field errors are reported by their JSON names.
func New(clk clock.Clock) *Engine {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Engine{clock: clk, validate: v}
}

// Validate returns every issue found in snapshot; empty means valid.
// snapshot may be a value or pointer of the kind's model type.
func (e *Engine) Validate(kind EntityKind, snapshot any) []string {
	now := e.clock.Now()
	switch kind {
	case KindProperty:
		p, ok := deref[models.Property](snapshot)
		if !ok {
			return []string{mismatch(kind, snapshot)}
		}
		return append(e.fieldIssues(p), crossIssues(propertyRules, p, now)...)
	case KindUser:
		u, ok := deref[models.User](snapshot)
		if !ok {
			return []string{mismatch(kind, snapshot)}
		}
		return append(e.fieldIssues(u), crossIssues(userRules, u, now)...)
	case KindEnquiry:
		q, ok := deref[models.Enquiry](snapshot)
		if !ok {
			return []string{mismatch(kind, snapshot)}
		}
		return append(e.fieldIssues(q), crossIssues(enquiryRules, q, now)...)
	default:
		return []string{fmt.Sprintf("unknown entity kind %q", kind)}
	}
}

// ParseKind validates an entity kind name.
func ParseKind(s string) (EntityKind, error) {
	switch EntityKind(s) {
	case KindProperty, KindUser, KindEnquiry:
		return EntityKind(s), nil
	}
	return "", errors.Newf("unknown entity kind %q", s)
}

func deref[T any](snapshot any) (T, bool) {
	switch v := snapshot.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

func mismatch(kind EntityKind, snapshot any) string {
	return fmt.Sprintf("expected %s snapshot, got %T", kind, snapshot)
}

func (e *Engine) fieldIssues(snapshot any) []string {
	err := e.validate.Struct(snapshot)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	issues := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, describe(fe))
	}
	return issues
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte", "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "email":
		return field + " must be a valid email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s check", field, fe.Tag())
	}
}

func crossIssues[T any](rules []Rule[T], snapshot T, now time.Time) []string {
	var issues []string
	for _, r := range rules {
		if r.Violated(snapshot, now) {
			issues = append(issues, r.Message)
		}
	}
	return issues
}
