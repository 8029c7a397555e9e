package workflow

import (
	"time"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Status is the final state of one registration.
type Status string

const (
	// StatusMatched is a confirmed positive match.
	StatusMatched Status = "matched"
	// StatusUnmatched means the agents found no suitable supplier.
	StatusUnmatched Status = "unmatched"
	// StatusUnconfirmed is a positive match the capacity ledger rejected.
	StatusUnconfirmed Status = "unconfirmed"
	// StatusFailed is a record that produced no usable output.
	StatusFailed Status = "failed"
	// StatusSkipped is a record that was never started.
	StatusSkipped Status = "skipped"
)

// Statuses lists every status in report order.
var Statuses = []Status{StatusMatched, StatusUnmatched, StatusUnconfirmed, StatusFailed, StatusSkipped}

// Outcome is what a run produced for one registration.
type Outcome struct {
	RegistrationID string                `json:"registration_id"`
	Status         Status                `json:"status"`
	Match          *domain.Match         `json:"match,omitempty"`
	Order          *domain.PurchaseOrder `json:"purchase_order,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	Warnings       []string              `json:"warnings,omitempty"`
	// Degraded counts conversations whose output was taken without approval.
	Degraded      int                 `json:"degraded,omitempty"`
	Phases        []string            `json:"phases,omitempty"`
	Conversations []string            `json:"conversations,omitempty"`
	Timing        domain.TimingRecord `json:"timing"`
}

// Summary describes a finished run.
type Summary struct {
	RunID         string         `json:"run_id"`
	Constellation string         `json:"constellation"`
	Counts        map[Status]int `json:"counts"`
	Degraded      int            `json:"degraded"`
	Elapsed       time.Duration  `json:"elapsed"`
	Cancelled     bool           `json:"cancelled,omitempty"`
	Outcomes      []Outcome      `json:"outcomes"`
}

func summarize(s *Summary) {
	s.Counts = make(map[Status]int, len(Statuses))
	s.Degraded = 0
	for _, o := range s.Outcomes {
		s.Counts[o.Status]++
		s.Degraded += o.Degraded
	}
}
