package swap

import (
	"context"
	"fmt"

	"github.com/fuji-money/fujiswap/internal/config"
)

// Executor runs operations funded straight from the wallet. It shares the
// tail of the swap stages: approval, confirmation and finishing.
type Executor struct {
	cfg Config
}

// NewExecutor creates an executor with the same dependencies a
// controller takes. Swaps and Chain.WatchFunding are never used.
func NewExecutor(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// Prepare returns an idle controller that will run op directly. Callers
// that want stage events subscribe before calling Run.
func (e *Executor) Prepare(op Operation) (*Controller, error) {
	if !config.TaskEnabled(op.Task(), false) {
		return nil, fmt.Errorf("%w: %s", ErrTaskDisabled, op.Task())
	}
	c := NewController(e.cfg, op)
	c.direct = true
	return c, nil
}

// Run starts c and waits for it to finish.
func (e *Executor) Run(ctx context.Context, c *Controller) (*Result, error) {
	if !c.direct {
		return nil, fmt.Errorf("controller is not a direct attempt")
	}
	if err := c.op.Check(); err != nil {
		return nil, err
	}
	if err := c.launch(ctx, StageIdle, StageNeedsFujiApproval, c.directSteps()); err != nil {
		return nil, err
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		c.Reset()
		return nil, ctx.Err()
	}

	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.Result(), nil
}

// Execute runs op directly and returns its result.
func (e *Executor) Execute(ctx context.Context, op Operation) (*Result, error) {
	c, err := e.Prepare(op)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, c)
}
