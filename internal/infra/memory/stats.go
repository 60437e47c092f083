package memory

import (
	"context"
	"fmt"
	"maps"

	"quiz-engine/internal/domain"
)

func (s *Store) ApplyScore(_ context.Context, cmd domain.ScoreCommand) (domain.ScoreUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[cmd.ParticipantID]; !ok {
		s.participants[cmd.ParticipantID] = domain.Participant{ID: cmd.ParticipantID, RegisteredAt: cmd.At}
	}
	return s.applyLocked(cmd), nil
}

func (s *Store) applyLocked(cmd domain.ScoreCommand) domain.ScoreUpdate {
	prev, ok := s.stats[cmd.ParticipantID]
	if !ok {
		prev = domain.ParticipantStats{ParticipantID: cmd.ParticipantID}
	}
	next := cmd.Rules.Apply(prev, cmd.Correct, cmd.Subject, cmd.At)
	s.stats[cmd.ParticipantID] = next

	upd := domain.ScoreUpdate{Stats: cloneStats(next)}
	if c, ok := s.conversations[cmd.ConversationID]; ok && c.IsGroup() {
		key := convKey{conversationID: cmd.ConversationID, participantID: cmd.ParticipantID}
		row, ok := s.convStats[key]
		if !ok {
			row = domain.ConversationParticipantStats{ConversationID: cmd.ConversationID, ParticipantID: cmd.ParticipantID}
		}
		row = cmd.Rules.ApplyConversation(row, cmd.Correct)
		s.convStats[key] = row
		upd.ConversationStats = &row
	}
	return upd
}

func (s *Store) ParticipantStats(_ context.Context, participantID string) (domain.ParticipantStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[participantID]
	if !ok {
		return domain.ParticipantStats{}, fmt.Errorf("stats for %s: %w", participantID, domain.ErrNotFound)
	}
	return cloneStats(st), nil
}

func (s *Store) ConversationStats(_ context.Context, conversationID, participantID string) (domain.ConversationParticipantStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.convStats[convKey{conversationID: conversationID, participantID: participantID}]
	if !ok {
		return domain.ConversationParticipantStats{}, fmt.Errorf("stats for %s in %s: %w", participantID, conversationID, domain.ErrNotFound)
	}
	return row, nil
}

func (s *Store) ResetConversationStats(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.convStats {
		if conversationID == "" || key.conversationID == conversationID {
			delete(s.convStats, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) TopN(_ context.Context, scope domain.Scope, n int) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entriesLocked(scope)
	domain.SortEntries(entries)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	domain.AssignRanks(entries)
	return entries, nil
}

func (s *Store) RankOf(_ context.Context, scope domain.Scope, participantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entriesLocked(scope)
	var self *domain.LeaderboardEntry
	for i := range entries {
		if entries[i].ParticipantID == participantID {
			self = &entries[i]
			break
		}
	}
	if self == nil {
		return 0, domain.ErrNotRanked
	}
	rank := 1
	for _, e := range entries {
		if e.Score > self.Score {
			rank++
		}
	}
	return rank, nil
}

// entriesLocked returns the rows of scope with at least one attempt.
func (s *Store) entriesLocked(scope domain.Scope) []domain.LeaderboardEntry {
	var entries []domain.LeaderboardEntry
	if scope.Global() {
		for id, st := range s.stats {
			if st.Attempted == 0 {
				continue
			}
			entries = append(entries, s.entryLocked(id, st.Attempted, st.Correct, st.Score))
		}
		return entries
	}
	for key, row := range s.convStats {
		if key.conversationID != scope.ConversationID || row.Attempted == 0 {
			continue
		}
		entries = append(entries, s.entryLocked(key.participantID, row.Attempted, row.Correct, row.Score))
	}
	return entries
}

func (s *Store) entryLocked(participantID string, attempted, correct, score int64) domain.LeaderboardEntry {
	p := s.participants[participantID]
	return domain.LeaderboardEntry{
		ParticipantID: participantID,
		DisplayName:   domain.DisplayName(participantID, p.Handle, p.GivenName),
		Attempted:     attempted,
		Correct:       correct,
		Score:         score,
	}
}

func cloneStats(st domain.ParticipantStats) domain.ParticipantStats {
	if st.Subjects != nil {
		st.Subjects = maps.Clone(st.Subjects)
	}
	return st
}
