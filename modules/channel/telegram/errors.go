package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/flemzord/smartfolders/internal/remote"
)

// remoteError maps a Bot API failure onto the relay error taxonomy.
func remoteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &remote.RateLimitedError{RetryAfter: time.Duration(max(apiErr.RetryAfter, 1)) * time.Second}
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", remote.ErrAuthInvalidated, apiErr.Description)
		case apiErr.Code == http.StatusBadRequest, apiErr.Code == http.StatusForbidden, apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %s", remote.ErrPermanentDelivery, apiErr.Description)
		default:
			// 409 (competing getUpdates) and 5xx are worth retrying.
			return fmt.Errorf("%w: %s", remote.ErrTransientNetwork, apiErr.Error())
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", remote.ErrTransientNetwork, err)
	}
	return err
}
