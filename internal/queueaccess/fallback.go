package queueaccess

import (
	"fmt"

	"librarian/internal/ipc"
	"librarian/internal/workflow"
)

// Session represents a job access handle and its cleanup function.
type Session struct {
	Access Access
	// Direct is true when the session bypasses a running daemon.
	Direct bool
	close  func() error
}

// Close releases resources associated with the session.
func (s Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenWithFallback tries IPC-backed access first, then falls back to a
// workflow manager connected straight to the broker.
func OpenWithFallback(
	dial func() (*ipc.Client, error),
	openManager func() (*workflow.Manager, error),
) (Session, error) {
	if dial != nil {
		if client, err := dial(); err == nil {
			return Session{
				Access: NewIPCAccess(client),
				close:  client.Close,
			}, nil
		}
	}

	if openManager == nil {
		return Session{}, fmt.Errorf("open broker: no manager opener configured")
	}
	mgr, err := openManager()
	if err != nil {
		return Session{}, fmt.Errorf("open broker: %w", err)
	}
	return Session{
		Access: NewManagerAccess(mgr),
		Direct: true,
		close:  mgr.Close,
	}, nil
}
