package dto

type CreateJobRequest struct {
	Items []string `json:"items" binding:"required,min=1"`
}

type CreateJobResponse struct {
	JobID      string `json:"job_id"`
	TotalItems int    `json:"total_items"`
}

type ItemResultDTO struct {
	Item    string            `json:"item"`
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	Progress       float64         `json:"progress"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      string          `json:"created_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	Results        []ItemResultDTO `json:"results"`
}

type JobSummaryDTO struct {
	JobID          string  `json:"job_id"`
	Status         string  `json:"status"`
	TotalItems     int     `json:"total_items"`
	ProcessedItems int     `json:"processed_items"`
	Progress       float64 `json:"progress"`
	Error          string  `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      string  `json:"started_at,omitempty"`
	CompletedAt    string  `json:"completed_at,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobSummaryDTO `json:"jobs"`
}
