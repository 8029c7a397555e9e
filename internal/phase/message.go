package phase

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/payload"
	"github.com/tjfontaine/matchbench/internal/topology"
)

// IncentivesTool is the tool enrichment matchers are pointed at when no
// incentives document was supplied.
const IncentivesTool = "fetch_incentives"

// Task builds the opening message of a phase: one instruction block per
// agent, in speaking order.
func Task(st *State) (string, error) {
	var b strings.Builder
	for _, a := range st.Phase.Agents {
		role := capitalize(a.Role)
		switch {
		case a.Kind == topology.RoleCritic:
			reviewed := a.Reviews
			if reviewed == "" {
				reviewed = "the matcher"
			}
			fmt.Fprintf(&b, "%s: Review %s's output and say 'APPROVE' if acceptable.\n", role, capitalize(reviewed))

		case a.Output == payload.KindMatches:
			reg, err := json.Marshal([]domain.Registration{st.Record.Registration})
			if err != nil {
				return "", fmt.Errorf("encode registration %s: %w", st.Record.ID(), err)
			}
			offers, err := json.Marshal(offersOrEmpty(st.Offers))
			if err != nil {
				return "", fmt.Errorf("encode offers: %w", err)
			}
			fmt.Fprintf(&b, "%s: Match based on instructions in system prompt.\n", role)
			fmt.Fprintf(&b, "REGISTRATION: ```%s```\n", reg)
			fmt.Fprintf(&b, "OFFERS: ```%s```\n", offers)

		case a.Output == payload.KindPurchaseOrders:
			matches := []domain.Match{}
			if st.Record.Match != nil {
				matches = append(matches, *st.Record.Match)
			}
			ms, err := json.Marshal(matches)
			if err != nil {
				return "", fmt.Errorf("encode match %s: %w", st.Record.ID(), err)
			}
			offers, err := json.Marshal(offersOrEmpty(st.Offers))
			if err != nil {
				return "", fmt.Errorf("encode offers: %w", err)
			}
			fmt.Fprintf(&b, "%s: Enrich matches with pricing and subsidies:\n", role)
			fmt.Fprintf(&b, "MATCHES: ```%s```\n", ms)
			fmt.Fprintf(&b, "OFFERS: ```%s```\n", offers)
			b.WriteString(incentivesLine(a, st.Record.Incentives))
		}
	}
	return b.String(), nil
}

func incentivesLine(a topology.Agent, incentives json.RawMessage) string {
	if len(incentives) > 0 {
		return fmt.Sprintf("INCENTIVES: ```%s```\n", incentives)
	}
	for _, t := range a.Tools {
		if t == IncentivesTool {
			return "INCENTIVES: Use " + IncentivesTool + " to fetch incentives based on zip code.\n"
		}
	}
	return "INCENTIVES: ```[]```\n"
}

func offersOrEmpty(offers []json.RawMessage) []json.RawMessage {
	if offers == nil {
		return []json.RawMessage{}
	}
	return offers
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
