package model

// DispatchRequest carries the stem selection for POST /music/:id
type DispatchRequest struct {
	Instruments []Stem `json:"instruments" validate:"required,min=1,dive,oneof=bass drums vocals other"`
}

// UploadResponse is returned by POST /music
type UploadResponse struct {
	SubmissionID int     `json:"music_id"`
	Name         string  `json:"name"`
	Band         string  `json:"band"`
	Tracks       []Track `json:"tracks"`
}

// DispatchResponse is returned by a successful POST /music/:id
type DispatchResponse struct {
	SubmissionID int `json:"music_id"`
	Chunks       int `json:"chunks"`
	Jobs         int `json:"jobs"`
}
