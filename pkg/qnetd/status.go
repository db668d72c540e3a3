package qnetd

import (
	"context"
	"errors"
	"time"

	"qnet/pkg/cluster"
)

// ErrStopped is returned by Status once the server is stopping.
var ErrStopped = errors.New("server stopped")

// Status is a point in time view of the arbitrator.
type Status struct {
	Address  string
	TLSMode  string
	Started  time.Time
	Sessions int
	Clients  int
	Clusters []cluster.ClusterSnapshot
}

// Status asks the event loop for a snapshot. A non-empty filter restricts
// the clusters to the one with that name.
func (s *Server) Status(ctx context.Context, filter string) (Status, error) {
	reply := make(chan Status, 1)

	select {
	case s.events <- statusEvent{filter: filter, reply: reply}:
	case <-s.quit:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (s *Server) status(filter string) Status {
	st := Status{
		TLSMode:  s.cfg.TLSMode.String(),
		Started:  s.started,
		Sessions: len(s.sessions),
		Clients:  s.registry.ClientCount(),
	}

	if s.listener != nil {
		st.Address = s.listener.Addr().String()
	}

	if filter == "" {
		st.Clusters = s.registry.Snapshots()
		return st
	}

	if snap, found := s.registry.Snapshot(filter); found {
		st.Clusters = []cluster.ClusterSnapshot{snap}
	}

	return st
}
