package api

import (
	"sync"

	"github.com/samcharles93/mgemm/internal/verify"
)

// ReportStore keeps the most recent verification reports in memory, oldest
// evicted first.
type ReportStore struct {
	mu      sync.Mutex
	limit   int
	order   []string
	reports map[string]*verify.Report
}

func NewReportStore(limit int) *ReportStore {
	if limit <= 0 {
		limit = 32
	}
	return &ReportStore{
		limit:   limit,
		reports: make(map[string]*verify.Report),
	}
}

func (s *ReportStore) Save(rep *verify.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[rep.ID]; !ok {
		s.order = append(s.order, rep.ID)
	}
	s.reports[rep.ID] = rep
	for len(s.order) > s.limit {
		delete(s.reports, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *ReportStore) Get(id string) (*verify.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[id]
	return rep, ok
}

func (s *ReportStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return false
	}
	delete(s.reports, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns the stored reports, newest first.
func (s *ReportStore) List() []*verify.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*verify.Report, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.reports[s.order[i]])
	}
	return out
}
