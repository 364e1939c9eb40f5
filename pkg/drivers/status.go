package drivers

import (
	"github.com/dbaas/dbaas/pkg/models"
)

// DatabaseStatus is a point-in-time health snapshot of one database.
// Size fields hold models.UnknownSize until a driver fills them.
type DatabaseStatus struct {
	Name             string `json:"name"`
	IsAlive          bool   `json:"is_alive"`
	UsedSizeInBytes  int64  `json:"used_size_in_bytes"`
	TotalSizeInBytes int64  `json:"total_size_in_bytes"`
}

// NewDatabaseStatus returns a status with every metric unknown.
func NewDatabaseStatus(name string) *DatabaseStatus {
	return &DatabaseStatus{
		Name:             name,
		UsedSizeInBytes:  models.UnknownSize,
		TotalSizeInBytes: models.UnknownSize,
	}
}

// InfraStatus is a point-in-time snapshot of an infra and its databases.
// It is never persisted.
type InfraStatus struct {
	InfraID          string                     `json:"infra_id"`
	InfraName        string                     `json:"infra_name"`
	Version          string                     `json:"version,omitempty"`
	UsedSizeInBytes  int64                      `json:"used_size_in_bytes"`
	TotalSizeInBytes int64                      `json:"total_size_in_bytes"`
	DatabasesStatus  map[string]*DatabaseStatus `json:"databases_status"`
}

// NewInfraStatus returns an empty snapshot for infra.
func NewInfraStatus(infra *models.Infra) *InfraStatus {
	return &InfraStatus{
		InfraID:          infra.ID,
		InfraName:        infra.Name,
		UsedSizeInBytes:  models.UnknownSize,
		TotalSizeInBytes: models.UnknownSize,
		DatabasesStatus:  make(map[string]*DatabaseStatus),
	}
}

// GetDatabaseStatus returns the snapshot for a database, if one was recorded.
func (s *InfraStatus) GetDatabaseStatus(name string) (*DatabaseStatus, bool) {
	status, ok := s.DatabasesStatus[name]
	return status, ok
}

// SetDatabaseStatus records the snapshot for a database.
func (s *InfraStatus) SetDatabaseStatus(status *DatabaseStatus) {
	if s.DatabasesStatus == nil {
		s.DatabasesStatus = make(map[string]*DatabaseStatus)
	}
	s.DatabasesStatus[status.Name] = status
}
