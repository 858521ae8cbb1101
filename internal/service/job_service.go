package service

import (
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

// JobService exposes the job registry read-side
type JobService struct {
	store *store.Store
}

func NewJobService(st *store.Store) *JobService {
	return &JobService{store: st}
}

// List returns all job ids in dispatch order
func (s *JobService) List() []int {
	return s.store.JobIDs()
}

// Get returns one job record
func (s *JobService) Get(id int) (*model.Job, error) {
	return s.store.Job(id)
}
