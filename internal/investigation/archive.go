package investigation

import (
	"github.com/xkilldash9x/snare/internal/agent"
	"github.com/xkilldash9x/snare/internal/store"
)

// SessionRecordFor flattens a finished session for archiving. Typed values
// are not archived; steps keep only the action kind and its target.
func SessionRecordFor(investigationID string, s *agent.AgentSession) *store.SessionRecord {
	rec := &store.SessionRecord{
		ID:                s.ID,
		InvestigationID:   investigationID,
		TargetURL:         s.TargetURL,
		State:             string(s.CurrentState()),
		TerminationReason: string(s.Metrics.TerminationReason),
		PlaybookID:        s.PlaybookID,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
		CostUSD:           s.Metrics.CostUSD,
		Summary:           s.Summary(),
		Steps:             make([]store.StepRecord, 0, len(s.Steps)),
		Wallets:           make([]store.WalletRecord, 0, len(s.Wallets)),
	}
	for _, st := range s.Steps {
		rec.Steps = append(rec.Steps, store.StepRecord{
			Number:    st.Number,
			State:     string(st.State),
			Source:    string(st.Source),
			Action:    string(st.Action.Kind),
			Selector:  st.Action.Selector,
			Outcome:   st.Outcome,
			Error:     st.Error,
			Timestamp: st.Timestamp,
		})
	}
	for _, w := range s.Wallets {
		rec.Wallets = append(rec.Wallets, store.WalletRecord{Chain: w.Chain, Address: w.Address, Source: w.Source})
	}
	return rec
}
