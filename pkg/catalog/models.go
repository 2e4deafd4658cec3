package catalog

import "time"

// Status is the lifecycle state of a transfer.
type Status string

const (
	// StatusWaiting marks a transfer that has not been dispatched yet, or
	// that was interrupted and should be retried on the next run.
	StatusWaiting Status = "waiting"
	// StatusRunning marks a transfer currently owned by a download worker.
	StatusRunning Status = "running"
	// StatusDone marks a transfer whose file is on disk with a verified checksum.
	StatusDone Status = "done"
	// StatusError marks a transfer that failed; error_msg holds the reason tag.
	StatusError Status = "error"
)

// IsValid checks if the status is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusDone, StatusError:
		return true
	}
	return false
}

// Model groups transfers by originating institute/model/datanode.
// Rows are created by discovery and read-only to the download engine.
type Model struct {
	Name      string `gorm:"primaryKey;size:255"`
	Datanode  string `gorm:"not null;size:255;index"`
	Institute string `gorm:"size:255"`
}

// TableName returns the table name for Model.
func (Model) TableName() string {
	return "model"
}

// Transfer is one remote file to fetch, tracked from discovery to a
// terminal state.
type Transfer struct {
	TransferID int64  `gorm:"primaryKey;autoIncrement;column:transfer_id"`
	ModelName  string `gorm:"column:model;not null;size:255;index"`

	// TrackingID is the upstream identity, unique across the federation.
	TrackingID string `gorm:"uniqueIndex;not null;size:255"`

	Checksum     string `gorm:"size:128"`
	ChecksumType string `gorm:"size:16"`

	// Location is the absolute HTTP(S) URL of the remote file.
	Location string `gorm:"not null"`
	// LocalImage is the target path relative to the configured base directory.
	LocalImage string `gorm:"not null"`

	Size     int64  `gorm:""`
	Variable string `gorm:"size:64"`
	Version  string `gorm:"size:32"`
	Product  string `gorm:"size:64"`

	Status   Status `gorm:"not null;default:waiting;size:16;index"`
	ErrorMsg string `gorm:""`

	// Timings, stamped on terminal transitions.
	StartDate *time.Time `gorm:""`
	EndDate   *time.Time `gorm:""`
	// Duration is wall time in seconds; Rate is bytes per second.
	Duration float64 `gorm:""`
	Rate     float64 `gorm:""`
}

// TableName returns the table name for Transfer.
func (Transfer) TableName() string {
	return "transfer"
}

// Row is a snapshot of a waiting transfer joined with its model, as handed
// to the download engine. Fields mirror the transfer and model columns.
type Row struct {
	TransferID   int64  `gorm:"column:transfer_id"`
	ModelName    string `gorm:"column:model"`
	TrackingID   string `gorm:"column:tracking_id"`
	Checksum     string `gorm:"column:checksum"`
	ChecksumType string `gorm:"column:checksum_type"`
	Location     string `gorm:"column:location"`
	LocalImage   string `gorm:"column:local_image"`
	Size         int64  `gorm:"column:size"`
	Variable     string `gorm:"column:variable"`
	Datanode     string `gorm:"column:datanode"`
	Institute    string `gorm:"column:institute"`
}

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Model{},
		&Transfer{},
	}
}
