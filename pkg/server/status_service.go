package server

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"qnet/pkg/cluster"
	"qnet/pkg/qnetd"
)

// StatusSource provides arbitrator snapshots. *qnetd.Server implements it.
type StatusSource interface {
	Status(ctx context.Context, filter string) (qnetd.Status, error)
}

// StatusService implements the Status gRPC service
type StatusService struct {
	src StatusSource
}

// NewStatusService creates a new Status service
func NewStatusService(src StatusSource) *StatusService {
	return &StatusService{src: src}
}

// GetStatus returns the arbitrator summary
func (s *StatusService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.src.Status(ctx, "")
	if err != nil {
		return nil, toStatusError(err)
	}

	members := 0
	for _, cl := range st.Clusters {
		members += len(cl.Members)
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"address":  st.Address,
		"tls":      st.TLSMode,
		"started":  formatTime(st.Started),
		"sessions": st.Sessions,
		"clients":  st.Clients,
		"clusters": len(st.Clusters),
		"members":  members,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}

	return out, nil
}

// ListClusters returns the clusters with their members
func (s *StatusService) ListClusters(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var filter string
	if v, found := req.GetFields()["name"]; found {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "name must be a string")
		}
		filter = sv.StringValue
	}

	st, err := s.src.Status(ctx, filter)
	if err != nil {
		return nil, toStatusError(err)
	}

	if filter != "" && len(st.Clusters) == 0 {
		return nil, status.Errorf(codes.NotFound, "cluster %q not found", filter)
	}

	clusters := make([]interface{}, 0, len(st.Clusters))
	for _, cl := range st.Clusters {
		clusters = append(clusters, clusterValue(cl))
	}

	out, err := structpb.NewStruct(map[string]interface{}{"clusters": clusters})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode clusters: %v", err)
	}

	return out, nil
}

func clusterValue(cl cluster.ClusterSnapshot) map[string]interface{} {
	members := make([]interface{}, 0, len(cl.Members))
	for _, m := range cl.Members {
		members = append(members, map[string]interface{}{
			"node_id":        m.NodeID,
			"session":        m.SessionID,
			"address":        m.RemoteAddr,
			"ring_id":        m.RingID,
			"membership":     uint32List(m.Membership),
			"expected_votes": m.ExpectedVotes,
			"quorate":        m.Quorate,
			"syncing":        m.Syncing,
			"config_version": m.ConfigVersion,
			"vote":           m.LastVote,
			"heartbeat":      m.Heartbeat.String(),
			"last_seen":      formatTime(m.LastSeen),
		})
	}

	return map[string]interface{}{
		"name":        cl.Name,
		"algorithm":   cl.Algorithm,
		"tie_breaker": cl.TieBreaker,
		"created":     formatTime(cl.Created),
		"seen_nodes":  uint32List(cl.SeenNodes),
		"members":     members,
	}
}

func uint32List(ids []uint32) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toStatusError(err error) error {
	switch {
	case errors.Is(err, qnetd.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
