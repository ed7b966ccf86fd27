package server

import (
	"backlogwatch/internal/domain"
	"backlogwatch/internal/report"
)

// Request payloads

type LoginRequest struct {
	Password string `json:"password"`
	ActorID  string `json:"actor_id,omitempty"`
}

type DateQuery struct {
	Date string `query:"date" required:"false" doc:"Comparison day (YYYY-MM-DD); defaults to today"`
}

type PartitionPath struct {
	Partition string `path:"partition" doc:"Partition (carteira) name"`
}

// Response payloads

type LoginResponse struct {
	Token     string `json:"token"`
	ActorID   string `json:"actor_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type PanelResponse struct {
	Panel report.Panel `json:"panel"`
}

type SourceCheckResponse struct {
	Changed     bool   `json:"changed"`
	Fingerprint string `json:"fingerprint"`
}

type EventsResponse struct {
	Items     []domain.Event `json:"items"`
	NextAfter int64          `json:"next_after,omitempty"`
}

// FileResponse streams an export file with its batch range in headers.
type FileResponse struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	ExportID           string `header:"X-Export-Id"`
	BatchStart         string `header:"X-Batch-Start"`
	BatchEnd           string `header:"X-Batch-End"`
	BatchSize          string `header:"X-Partition-Size"`
	Body               []byte
}
