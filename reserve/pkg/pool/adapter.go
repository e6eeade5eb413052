package pool

import "context"

// Adapter exposes a pool to one controller through the narrow client
// interface, for deployments that run both services in one process.
type Adapter struct {
	pool         *Pool
	controllerID string
}

// NewAdapter creates an adapter acting as the given controller.
func NewAdapter(p *Pool, controllerID string) *Adapter {
	return &Adapter{pool: p, controllerID: controllerID}
}

// Available returns the quote amount the pool can underwrite.
func (a *Adapter) Available(ctx context.Context) (uint64, error) {
	status, err := a.pool.Status(ctx)
	if err != nil {
		return 0, err
	}
	return status.AvailableQuote, nil
}

// RequestReserves deploys amount to this controller.
func (a *Adapter) RequestReserves(ctx context.Context, amount uint64) (uint64, error) {
	return a.pool.RequestReserves(ctx, a.controllerID, amount)
}

// ReturnReserves settles a deployment.
func (a *Adapter) ReturnReserves(ctx context.Context, original, received uint64) error {
	return a.pool.ReturnReserves(ctx, a.controllerID, original, received)
}
