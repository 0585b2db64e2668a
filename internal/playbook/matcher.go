package playbook

import (
	"sync"

	"go.uber.org/zap"
)

// Matcher is an ordered registry of playbooks. Match walks the registry in
// registration order and the first enabled playbook whose pattern matches
// wins, so registration order is the only tie-break.
type Matcher struct {
	logger *zap.Logger

	mu        sync.RWMutex
	playbooks []*Playbook
}

// NewMatcher creates an empty matcher.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{logger: logger.Named("playbook_matcher")}
}

// Register validates pb and appends it. A playbook that fails validation is
// rejected and the registry is unchanged.
func (m *Matcher) Register(pb *Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playbooks = append(m.playbooks, pb)
	return nil
}

// RegisterMany registers each playbook in order, logging and skipping the
// invalid ones. It returns how many were registered.
func (m *Matcher) RegisterMany(pbs []*Playbook) int {
	count := 0
	for _, pb := range pbs {
		if err := m.Register(pb); err != nil {
			m.logger.Warn("Skipping invalid playbook", zap.String("source", pb.Source), zap.Error(err))
			continue
		}
		count++
	}
	return count
}

// Match returns the first enabled playbook whose pattern searches
// successfully against url, or nil.
func (m *Matcher) Match(url string) *Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pb := range m.playbooks {
		if !pb.IsEnabled() {
			continue
		}
		if pb.Matches(url) {
			m.logger.Info("Playbook matched", zap.String("url", url), zap.String("playbook_id", pb.ID))
			return pb
		}
	}
	return nil
}

// Get returns the first playbook registered under id, or nil.
func (m *Matcher) Get(id string) *Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pb := range m.playbooks {
		if pb.ID == id {
			return pb
		}
	}
	return nil
}

// SetEnabled toggles matching for id without disturbing its position.
func (m *Matcher) SetEnabled(id string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, pb := range m.playbooks {
		if pb.ID == id {
			cp := pb.clone()
			cp.Enabled = &enabled
			m.playbooks[i] = cp
			return true
		}
	}
	return false
}

// Remove deletes the first playbook registered under id.
func (m *Matcher) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, pb := range m.playbooks {
		if pb.ID == id {
			m.playbooks = append(m.playbooks[:i:i], m.playbooks[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the registry.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playbooks = nil
}

// Count is the number of registered playbooks, enabled or not.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.playbooks)
}

// Playbooks returns a copy of the registry in registration order.
func (m *Matcher) Playbooks() []*Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Playbook(nil), m.playbooks...)
}
