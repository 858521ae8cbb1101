package service

import (
	"fmt"

	"github.com/stemsplit/api/internal/idgen"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

// UploadService registers uploaded tracks and pre-allocates their stem
// track ids
type UploadService struct {
	store *store.Store
	ids   *idgen.Allocator
}

func NewUploadService(st *store.Store, ids *idgen.Allocator) *UploadService {
	return &UploadService{
		store: st,
		ids:   ids,
	}
}

// Register accepts an uploaded track and returns its submission record.
// Name and band default to "Unknown" when metadata extraction upstream found
// nothing. One track id per stem type is allocated up front.
func (s *UploadService) Register(name, band string, raw []byte) (*model.UploadResponse, error) {
	if name == "" {
		name = "Unknown"
	}
	if band == "" {
		band = "Unknown"
	}

	tracks := make([]model.Track, 0, len(model.AllStems))
	for _, stem := range model.AllStems {
		id, err := s.ids.Allocate()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate track id: %w", err)
		}
		tracks = append(tracks, model.Track{TrackID: id, Name: stem})
	}

	submissionID, err := s.ids.Allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate submission id: %w", err)
	}

	sub := &model.Submission{
		SubmissionID: submissionID,
		Name:         name,
		Band:         band,
		Tracks:       tracks,
		Raw:          raw,
	}
	s.store.AddSubmission(sub)

	return &model.UploadResponse{
		SubmissionID: sub.SubmissionID,
		Name:         sub.Name,
		Band:         sub.Band,
		Tracks:       sub.Tracks,
	}, nil
}

// List returns all registered submissions in upload order
func (s *UploadService) List() []*model.UploadResponse {
	subs := s.store.Submissions()
	out := make([]*model.UploadResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, &model.UploadResponse{
			SubmissionID: sub.SubmissionID,
			Name:         sub.Name,
			Band:         sub.Band,
			Tracks:       sub.Tracks,
		})
	}
	return out
}
