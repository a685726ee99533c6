package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"offlinenav/pkg/request"
	"offlinenav/pkg/store"
)

// Getter is the subset of request.Client used by Reachable.
type Getter interface {
	Get(ctx context.Context, u string, headers map[string]string) ([]byte, error)
}

// StateRoundTrip writes, reads back and deletes a throwaway state key.
func StateRoundTrip(st store.StateStore) Probe {
	return Probe{
		Name:     "Database",
		Critical: true,
		Check: func(ctx context.Context) error {
			key := "probe:" + uuid.NewString()
			if err := st.SetState(ctx, key, "ok"); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			v, ok := st.GetState(ctx, key)
			if !ok || v != "ok" {
				return errors.New("read back mismatch")
			}
			return st.DeleteState(ctx, key)
		},
	}
}

// Reachable checks that an upstream answers at all. Any HTTP status counts as
// reachable; only transport failures fail the probe. It is never critical
// since the app must start offline.
func Reachable(name, u string, c Getter) Probe {
	return Probe{
		Name: name,
		Check: func(ctx context.Context) error {
			_, err := c.Get(ctx, u, nil)
			var se *request.StatusError
			if err == nil || errors.As(err, &se) {
				return nil
			}
			return err
		},
	}
}
