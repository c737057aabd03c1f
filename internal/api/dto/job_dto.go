package dto

type BoxDTO struct {
	X      float64 `json:"x" binding:"min=0,max=100"`
	Y      float64 `json:"y" binding:"min=0,max=100"`
	Width  float64 `json:"width" binding:"required,gt=0,max=100"`
	Height float64 `json:"height" binding:"required,gt=0,max=100"`
}

type ItemDTO struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name" binding:"required"`
	Category string  `json:"category"`
	Value    float64 `json:"value"`
	Box      BoxDTO  `json:"box" binding:"required"`
}

type SubmitJobRequest struct {
	OwnerID string    `json:"owner_id" binding:"required"`
	Tier    string    `json:"tier" binding:"required"`
	Image   string    `json:"image" binding:"required"` // base64-encoded
	Width   int       `json:"width" binding:"required,gt=0"`
	Height  int       `json:"height" binding:"required,gt=0"`
	Items   []ItemDTO `json:"items" binding:"required,dive"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

type CropDTO struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

type ProcessedItemDTO struct {
	ID          string  `json:"id"`
	ItemID      string  `json:"item_id"`
	Mask        string  `json:"mask"` // base64-encoded
	Crop        CropDTO `json:"crop"`
	ProcessedAt string  `json:"processed_at"`
}

type JobStatusResponse struct {
	JobID          string             `json:"job_id"`
	OwnerID        string             `json:"owner_id"`
	Tier           string             `json:"tier"`
	Status         string             `json:"status"`
	CompletedItems int                `json:"completed_item_count"`
	TotalItems     int                `json:"total_item_count"`
	DeadLettered   []string           `json:"dead_lettered,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	ProcessedItems []ProcessedItemDTO `json:"processed_items"`
	CreatedAt      string             `json:"created_at"`
	CompletedAt    string             `json:"completed_at,omitempty"`
}
