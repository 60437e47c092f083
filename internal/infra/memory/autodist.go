package memory

import (
	"context"
	"sort"
	"time"

	"quiz-engine/internal/domain"
)

func (s *Store) SetAutoDistribution(_ context.Context, cfg domain.AutoDistributionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.auto[cfg.ConversationID]; ok {
		cfg.LastDispatchAt = existing.LastDispatchAt
	}
	s.auto[cfg.ConversationID] = cfg
	return nil
}

func (s *Store) AutoDistribution(_ context.Context, mode domain.SchedulerMode, conversationID string) (domain.AutoDistributionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveLocked(mode, conversationID), nil
}

// effectiveLocked merges the global record with the conversation row. In
// global mode only group conversations take part and the conversation row
// contributes its LastDispatchAt.
func (s *Store) effectiveLocked(mode domain.SchedulerMode, conversationID string) domain.AutoDistributionConfig {
	global, ok := s.auto[""]
	if !ok {
		global = domain.AutoDistributionConfig{Interval: domain.DefaultAutoInterval}
	}
	if conversationID == "" {
		return global
	}
	rec, ok := s.auto[conversationID]
	if mode == domain.SchedulerGlobal {
		c, known := s.conversations[conversationID]
		return domain.AutoDistributionConfig{
			ConversationID: conversationID,
			Enabled:        global.Enabled && known && c.IsGroup(),
			Interval:       global.Interval,
			LastDispatchAt: rec.LastDispatchAt,
		}
	}
	if !ok {
		return domain.AutoDistributionConfig{ConversationID: conversationID, Interval: domain.DefaultAutoInterval}
	}
	return rec
}

func (s *Store) DueConversations(_ context.Context, mode domain.SchedulerMode, now time.Time) ([]domain.AutoDistributionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.AutoDistributionConfig
	for id := range s.conversations {
		cfg := s.effectiveLocked(mode, id)
		if cfg.DueAt(now) {
			due = append(due, cfg)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ConversationID < due[j].ConversationID })
	return due, nil
}
