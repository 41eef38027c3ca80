package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/filter/domain/rule"
)

// MemoryRepository implementa IFilterRepository con maps en memoria.
// Útil para tests y para uso embebido sin base de datos.
// Los datos se pierden al reiniciar el servidor.
type MemoryRepository struct {
	mu       sync.RWMutex
	ruleSets map[rule.AccountID]rule.RuleSet
	events   []event.FilterEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		ruleSets: make(map[rule.AccountID]rule.RuleSet),
	}
}

func (m *MemoryRepository) Init(ctx context.Context) error { return nil }

func (m *MemoryRepository) GetRuleSet(ctx context.Context, owner rule.AccountID) (rule.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.ruleSets[owner]
	if !ok {
		return rule.RuleSet{}, rule.ErrRuleSetNotFound
	}
	return rs.Clone(), nil
}

func (m *MemoryRepository) PutRuleSet(ctx context.Context, rs rule.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ruleSets[rs.Owner] = rs.Clone()
	return nil
}

func (m *MemoryRepository) DeleteRuleSet(ctx context.Context, owner rule.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ruleSets[owner]; !ok {
		return rule.ErrRuleSetNotFound
	}
	delete(m.ruleSets, owner)
	return nil
}

func (m *MemoryRepository) CountRuleSets(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.ruleSets)), nil
}

func (m *MemoryRepository) AppendEvent(ctx context.Context, ev event.FilterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryRepository) ListEvents(ctx context.Context, owner rule.AccountID, limit int) ([]event.FilterEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []event.FilterEvent
	for _, ev := range m.events {
		if ev.Owner == string(owner) {
			result = append(result, ev)
		}
	}
	// Más recientes primero, igual que las implementaciones SQL
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].At.After(result[j].At)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var pruned int64
	for _, ev := range m.events {
		if ev.At.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return pruned, nil
}
