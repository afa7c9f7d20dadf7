package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/sequencer"
	"github.com/KevinKickass/OpenPhotoRig/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State         string         `json:"state"`
	Uptime        string         `json:"uptime"`
	Machine       machine.Health `json:"machine"`
	Storage       string         `json:"storage"`
	Cameras       []string       `json:"cameras"`
	DroppedEvents uint64         `json:"dropped_events"`
}

// History is the optional long-term record kept in Postgres.
type History interface {
	ListMachineErrors(ctx context.Context, limit int) ([]storage.MachineErrorRecord, error)
	ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

type LifecycleManager interface {
	Config() *config.Config
	Supervisor() *machine.Supervisor
	Coordinator() *sequencer.Coordinator
	// History returns nil when no database is configured.
	History() History
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
