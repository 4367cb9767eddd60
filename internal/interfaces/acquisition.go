package interfaces

import (
	"context"

	"github.com/ursalabs/ursacore/internal/acquisition"
)

// AcquisitionController is the command surface the API layer depends on.
// Keeping the API against this interface rather than the concrete controller
// lets the REST handlers be tested with a stub.
type AcquisitionController interface {
	ExecuteCommand(ctx context.Context, cmd acquisition.Command) error
	GetStatus() acquisition.Status
}
