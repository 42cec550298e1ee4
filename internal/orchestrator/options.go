package orchestrator

import (
	"slices"
	"sort"
	"strconv"
	"time"
)

// ParamKind is how a parameter value is parsed.
type ParamKind int

const (
	ParamString ParamKind = iota
	ParamInt
	ParamDuration
)

// Param declares an operation-specific parameter.
type Param struct {
	Name        string
	Description string
	Kind        ParamKind
	Default     string
	// Choices restricts string values when non-empty.
	Choices []string
}

// Common parameters accepted by every operation.
const (
	OptQueue   = "queue"
	OptPreview = "preview"
	OptDate    = "date"
)

// Options are the parsed parameters of one invocation.
type Options struct {
	Queue   bool
	Preview bool
	// Date is the UTC midnight anchor of the run.
	Date   time.Time
	Steps  map[string]bool
	values map[string]string
}

// Value returns a parameter value with its default applied.
func (o Options) Value(name string) string { return o.values[name] }

// Int returns an integer parameter. Values were validated by parse.
func (o Options) Int(name string) int {
	n, _ := strconv.Atoi(o.values[name])
	return n
}

// Duration returns a duration parameter.
func (o Options) Duration(name string) time.Duration {
	d, _ := time.ParseDuration(o.values[name])
	return d
}

// DateString is Date as YYYY-MM-DD.
func (o Options) DateString() string { return o.Date.Format(time.DateOnly) }

// Runs reports whether step is selected. With no step flags every step runs;
// once any flag is true only flagged steps run; false flags skip.
func (o Options) Runs(step string) bool {
	for _, on := range o.Steps {
		if on {
			return o.Steps[step]
		}
	}
	enabled, set := o.Steps[step]
	return !set || enabled
}

// record is the parameters stored on the run record.
func (o Options) record() map[string]any {
	out := make(map[string]any, len(o.values)+len(o.Steps)+3)
	for k, v := range o.values {
		out[k] = v
	}
	for k, v := range o.Steps {
		out[k] = v
	}
	out[OptDate] = o.DateString()
	out[OptQueue] = o.Queue
	out[OptPreview] = o.Preview
	return out
}

func (o *Orchestrator) parse(op *Operation, params map[string]string, now time.Time) (Options, error) {
	opts := Options{
		Date:   time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		Steps:  map[string]bool{},
		values: map[string]string{},
	}
	declared := make(map[string]Param, len(op.Params))
	for _, p := range op.Params {
		declared[p.Name] = p
		opts.values[p.Name] = p.Default
	}
	steps := op.StepNames()

	for key, raw := range params {
		switch {
		case key == OptQueue || key == OptPreview:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return opts, &ValidationError{Param: key, Message: "must be true or false"}
			}
			if key == OptQueue {
				opts.Queue = b
			} else {
				opts.Preview = b
			}
		case key == OptDate:
			d, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				return opts, &ValidationError{Param: key, Message: "must be YYYY-MM-DD"}
			}
			opts.Date = d
		case slices.Contains(steps, key):
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return opts, &ValidationError{Param: key, Message: "step flags must be true or false"}
			}
			opts.Steps[key] = b
		default:
			p, ok := declared[key]
			if !ok {
				return opts, &ValidationError{Param: key, Message: "unknown parameter", Valid: op.ParamNames()}
			}
			if err := p.check(raw); err != nil {
				return opts, err
			}
			opts.values[key] = raw
		}
	}
	return opts, nil
}

func (p Param) check(raw string) error {
	switch p.Kind {
	case ParamInt:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return &ValidationError{Param: p.Name, Message: "must be a non-negative integer"}
		}
	case ParamDuration:
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return &ValidationError{Param: p.Name, Message: "must be a positive duration such as 1h"}
		}
	}
	if len(p.Choices) > 0 && !slices.Contains(p.Choices, raw) {
		return &ValidationError{Param: p.Name, Message: "unsupported value " + strconv.Quote(raw), Valid: p.Choices}
	}
	return nil
}

// ParamNames lists every key the operation accepts, sorted.
func (op *Operation) ParamNames() []string {
	names := []string{OptDate, OptPreview, OptQueue}
	names = append(names, op.StepNames()...)
	for _, p := range op.Params {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
