// Package alert evaluates aggregate windows against a threshold table.
// The evaluator is stateless: it never mutates external state, callers
// publish and forward the returned events.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrimesh/fieldgate/config"
	"github.com/agrimesh/fieldgate/telemetry"
)

// Evaluator applies a fixed rule table to aggregate windows.
type Evaluator struct {
	rules []config.ThresholdRule
	now   func() time.Time
	newID func() string
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithIDGenerator overrides event id generation, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Evaluator) { e.newID = fn }
}

// NewEvaluator creates an Evaluator over the given rule table. Rules are
// checked in table order; the first rule a metric violates wins, so a
// metric never produces more than one event per window.
func NewEvaluator(rules []config.ThresholdRule, opts ...Option) *Evaluator {
	e := &Evaluator{
		rules: rules,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns zero or more alert events for one window. Metrics the
// table does not mention pass through silently.
func (e *Evaluator) Evaluate(window telemetry.AggregateWindow) []telemetry.AlertEvent {
	if window.Means == nil {
		return nil
	}

	var events []telemetry.AlertEvent
	fired := make(map[string]bool)

	for _, rule := range e.rules {
		if fired[rule.Metric] {
			continue
		}
		value, present := window.Means.Get(rule.Metric)
		if !present || !violates(rule, value) {
			continue
		}

		fired[rule.Metric] = true
		events = append(events, telemetry.AlertEvent{
			ID:        e.newID(),
			Type:      rule.Type,
			Severity:  rule.Severity,
			Message:   renderMessage(rule, value),
			DeviceID:  window.DeviceID,
			Timestamp: e.now(),
		})
	}
	return events
}

// violates reports whether value breaches the rule bounds. A rule with
// both bounds defines an allowed range; values outside it breach.
func violates(rule config.ThresholdRule, value float64) bool {
	if rule.Low != nil && value < *rule.Low {
		return true
	}
	if rule.High != nil && value > *rule.High {
		return true
	}
	return false
}

func renderMessage(rule config.ThresholdRule, value float64) string {
	if rule.Message == "" {
		return fmt.Sprintf("%s: %s is %.2f", rule.Type, rule.Metric, value)
	}
	if strings.Contains(rule.Message, "%") {
		return fmt.Sprintf(rule.Message, value)
	}
	return rule.Message
}
