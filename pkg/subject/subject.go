// Package subject defines the Subject Store protocol the core consumes for
// field-path evaluation and enrollment eligibility, plus an in-memory
// implementation used by tests and local development.
package subject

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tideflow-io/tideflow/pkg/filter"
	"github.com/tideflow-io/tideflow/pkg/models"
)

// Store is the consumed subject record interface. Get returns nil for an
// absent subject; records carry the opt-out, blocked and deleted flags the
// core must honor.
type Store interface {
	Get(ctx context.Context, tenantID, subjectID string) (map[string]any, error)
	// FindByFilter resolves a filter-based bulk selection to subject ids.
	FindByFilter(ctx context.Context, tenantID string, filters *models.FilterSet) ([]string, error)
	// MatchImported matches imported external references (e.g. email
	// addresses) against existing subjects, reporting unmatched entries.
	MatchImported(ctx context.Context, tenantID string, refs []string) (matched, unmatched []string, err error)
}

// MemoryStore is an in-process Store keyed by tenant and subject id.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]map[string]any // tenant -> subject id -> record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]map[string]any)}
}

// Put stores a subject record.
func (s *MemoryStore) Put(tenantID, subjectID string, record map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[tenantID] == nil {
		s.records[tenantID] = make(map[string]map[string]any)
	}

	s.records[tenantID][subjectID] = record
}

// Remove deletes a subject record.
func (s *MemoryStore) Remove(tenantID, subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records[tenantID], subjectID)
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, subjectID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[tenantID][subjectID]
	if !ok {
		return nil, nil
	}

	return record, nil
}

// FindByFilter implements Store.
func (s *MemoryStore) FindByFilter(_ context.Context, tenantID string, filters *models.FilterSet) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)

	for id, record := range s.records[tenantID] {
		if filter.EvaluateSet(filters, record) {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// MatchImported implements Store. References match on the record's "email"
// field, case-insensitively.
func (s *MemoryStore) MatchImported(_ context.Context, tenantID string, refs []string) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byEmail := make(map[string]string)

	for id, record := range s.records[tenantID] {
		if email, ok := record["email"].(string); ok {
			byEmail[strings.ToLower(email)] = id
		}
	}

	matched := make([]string, 0, len(refs))
	unmatched := make([]string, 0)

	for _, ref := range refs {
		if id, ok := byEmail[strings.ToLower(ref)]; ok {
			matched = append(matched, id)
		} else {
			unmatched = append(unmatched, ref)
		}
	}

	return matched, unmatched, nil
}
