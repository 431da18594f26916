package dto

type JobDTO struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Category    string `json:"category,omitempty"`
	Message     string `json:"message,omitempty"`
	WorkerID    string `json:"worker_id"`
	Attempts    int    `json:"attempts"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	WorkerID      string `json:"worker_id,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	AgeSeconds    int64  `json:"age_seconds"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
