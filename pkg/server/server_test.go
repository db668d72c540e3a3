package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	client "qnet/clients/go"
	"qnet/pkg/cluster"
	"qnet/pkg/qnetd"
)

type fakeSource struct {
	st  qnetd.Status
	err error
}

func (f *fakeSource) Status(_ context.Context, filter string) (qnetd.Status, error) {
	if f.err != nil {
		return qnetd.Status{}, f.err
	}

	st := f.st
	if filter != "" {
		st.Clusters = nil
		for _, cl := range f.st.Clusters {
			if cl.Name == filter {
				st.Clusters = append(st.Clusters, cl)
			}
		}
	}

	return st, nil
}

func startAdmin(t *testing.T, src StatusSource) *client.Client {
	t.Helper()

	srv := NewServer(Config{Addr: "127.0.0.1:0"}, src)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()

	c, err := client.New(context.Background(), srv.Addr().String(), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})

	return c
}

func TestStatusService(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	src := &fakeSource{st: qnetd.Status{
		Address:  "127.0.0.1:5403",
		TLSMode:  "on",
		Started:  started,
		Sessions: 3,
		Clients:  2,
		Clusters: []cluster.ClusterSnapshot{
			{
				Name:       "alpha",
				Algorithm:  "ffsplit",
				TieBreaker: "lowest",
				SeenNodes:  []uint32{1, 2},
				Members: []cluster.MemberSnapshot{
					{NodeID: 1, RingID: "1.4", Membership: []uint32{1, 2}, LastVote: "ack"},
					{NodeID: 2, RingID: "1.4", Membership: []uint32{1, 2}, LastVote: "ack"},
				},
			},
			{Name: "beta", Algorithm: "lms", TieBreaker: "highest"},
		},
	}}

	c := startAdmin(t, src)
	ctx := context.Background()

	summary, err := c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5403", summary["address"])
	assert.Equal(t, "2024-03-01T12:00:00Z", summary["started"])
	assert.Equal(t, float64(2), summary["clients"])
	assert.Equal(t, float64(2), summary["clusters"])
	assert.Equal(t, float64(2), summary["members"])

	clusters, err := c.Clusters(ctx, "")
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	clusters, err = c.Clusters(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	alpha := clusters[0].(map[string]interface{})
	assert.Equal(t, "ffsplit", alpha["algorithm"])

	members := alpha["members"].([]interface{})
	require.Len(t, members, 2)
	assert.Equal(t, "ack", members[0].(map[string]interface{})["vote"])
	assert.Equal(t, []interface{}{float64(1), float64(2)},
		members[1].(map[string]interface{})["membership"])

	_, err = c.Clusters(ctx, "gamma")
	assert.Equal(t, codes.NotFound, status.Code(err))

	healthy, err := c.Healthy(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestStatusServiceStopped(t *testing.T) {
	c := startAdmin(t, &fakeSource{err: qnetd.ErrStopped})

	_, err := c.Summary(context.Background())
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
