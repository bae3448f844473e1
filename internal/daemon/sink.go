package daemon

import (
	"os"
	"time"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/uds"
)

// RemoteSink forwards event records to a running `foreman serve` process over
// its socket. Delivery is best-effort: a missing or unresponsive daemon never
// fails the producing process.
type RemoteSink struct {
	client *uds.Client
}

// NewRemoteSink returns a sink targeting the daemon socket under foremanDir,
// or nil when no daemon socket exists.
func NewRemoteSink(foremanDir string) *RemoteSink {
	socketPath := SocketPath(foremanDir)
	if _, err := os.Stat(socketPath); err != nil {
		return nil
	}
	client := uds.NewClient(socketPath)
	client.SetTimeout(2 * time.Second)
	return &RemoteSink{client: client}
}

// Emit implements events.Sink. Errors are swallowed.
func (s *RemoteSink) Emit(rec events.Record) {
	_, _ = s.client.SendCommand("emit", rec)
}

var _ events.Sink = (*RemoteSink)(nil)
