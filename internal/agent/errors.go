package agent

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bindrap/notesWebApp/internal/models"
)

// Classify makes sure err wraps ErrModelUnavailable or ErrModelRejected.
// Providers classify vendor errors themselves; whatever is left is a
// timeout, a transport failure or unknown, and is treated as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrModelUnavailable) || errors.Is(err, models.ErrModelRejected) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out: %w", models.ErrModelUnavailable, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", models.ErrModelUnavailable, err)
	case errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", models.ErrModelUnavailable, err)
	}

	// Unknown failures are assumed transient; the retry budget bounds the cost.
	return fmt.Errorf("%w: %w", models.ErrModelUnavailable, err)
}
