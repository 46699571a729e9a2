package store

import "time"

// Contract deployment statuses.
const (
	ContractDeployed = "deployed"
	ContractImported = "imported"
	ContractFailed   = "failed"
)

// BuildRecord is the persisted outcome of one build.
type BuildRecord struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	ProjectID string `gorm:"index;size:64;not null" json:"project_id"`
	Prompt    string `gorm:"type:text" json:"prompt"`
	Status    string `gorm:"size:32;index" json:"status"`
	Category  string `gorm:"size:32" json:"category,omitempty"`
	Message   string `gorm:"type:text" json:"message,omitempty"`
	FailedAt  string `gorm:"size:32" json:"failed_at,omitempty"`

	ImportRetries         int `json:"import_retries"`
	ValidationRetries     int `json:"validation_retries"`
	RuntimeRetries        int `json:"runtime_retries"`
	PlanningRetries       int `json:"planning_retries"`
	InfrastructureRetries int `json:"infrastructure_retries"`

	// Plan and Errors are JSON documents.
	Plan   string `gorm:"type:text" json:"-"`
	Errors string `gorm:"type:text" json:"-"`

	ContractAddress string `gorm:"size:64" json:"contract_address,omitempty"`
	Network         string `gorm:"size:64" json:"network,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"created_at"`

	Files []FileRecord `gorm:"foreignKey:BuildID;constraint:OnDelete:CASCADE" json:"-"`
}

// FileRecord is one generated file of a build.
type FileRecord struct {
	ID      uint   `gorm:"primaryKey" json:"-"`
	BuildID string `gorm:"size:64;uniqueIndex:idx_build_path" json:"build_id"`
	Path    string `gorm:"size:512;uniqueIndex:idx_build_path" json:"path"`
	Content string `gorm:"type:text" json:"content"`
	Size    int    `json:"size"`
}

// ContractRecord is a contract attached to a project, either deployed by the
// deployment service or imported by address.
type ContractRecord struct {
	ID              uint    `gorm:"primaryKey" json:"id"`
	ProjectID       string  `gorm:"uniqueIndex;size:64;not null" json:"project_id"`
	Name            string  `gorm:"size:128" json:"name"`
	Address         string  `gorm:"size:64;index" json:"address"`
	Network         string  `gorm:"size:64" json:"network"`
	ChainID         int64   `json:"chain_id"`
	ABI             string  `gorm:"type:text" json:"abi"`
	Source          string  `gorm:"type:text" json:"source,omitempty"`
	JobID           *string `gorm:"size:64" json:"job_id,omitempty"`
	TransactionHash string  `gorm:"size:80" json:"transaction_hash,omitempty"`
	ExplorerURL     string  `gorm:"size:256" json:"explorer_url,omitempty"`
	Status          string  `gorm:"size:16;index" json:"deployment_status"`
	Error           string  `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
