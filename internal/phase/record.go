package phase

import (
	"encoding/json"

	"github.com/tjfontaine/matchbench/internal/conversation"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/pipeline"
	"github.com/tjfontaine/matchbench/internal/timing"
	"github.com/tjfontaine/matchbench/internal/topology"
)

// Record carries one registration through the phases of a constellation.
// A record is owned by a single goroutine.
type Record struct {
	RunID        string
	Registration domain.Registration
	// Incentives is the optional incentives document shown to the
	// enrichment matcher instead of the lookup tool.
	Incentives json.RawMessage
	Timer      *timing.Timer

	// Match is the record's primary match once a phase emitted one.
	Match *domain.Match
	// Order is the record's primary purchase order.
	Order *domain.PurchaseOrder
	// Committed is set once capacity was consumed for Match.SupplierID.
	Committed bool

	Warnings []pipeline.Warning
	Degraded int

	matchWritten bool
}

// NewRecord starts a record for reg.
func NewRecord(runID string, reg domain.Registration, incentives json.RawMessage) *Record {
	return &Record{
		RunID:        runID,
		Registration: reg,
		Incentives:   incentives,
		Timer:        timing.New(reg.ID),
	}
}

// ID returns the registration id.
func (r *Record) ID() string { return r.Registration.ID }

// Confirmed reports whether the record holds a positive match that capacity
// did not reject.
func (r *Record) Confirmed() bool {
	return r.Match != nil && r.Match.Matched && r.Match.Status != domain.MatchUnconfirmed
}

// State is the subject the hooks of one phase run act on.
type State struct {
	Phase  topology.Phase
	Record *Record
	// Offers is the catalog as shown to agents, with current usage.
	Offers []json.RawMessage
	Result *conversation.Result
}
