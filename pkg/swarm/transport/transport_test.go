package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/karnevil9/pkg/journal"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/consensus"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/contract"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/monitor"
)

// fakeBackend implements Backend for handler tests.
type fakeBackend struct {
	identity  mesh.Identity
	peers     []mesh.PeerEntry
	joined    []mesh.Identity
	tasks     []TaskRequest
	statuses  map[string]monitor.CheckpointStatus
	consensus *consensus.Service
	deposits  map[string]float64
	slow      time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		identity:  mesh.Identity{NodeID: "self", APIURL: "http://self.example"},
		statuses:  make(map[string]monitor.CheckpointStatus),
		consensus: consensus.NewService(consensus.Config{}),
		deposits:  make(map[string]float64),
	}
}

func (b *fakeBackend) Identity() mesh.Identity { return b.identity }

func (b *fakeBackend) Peers(status mesh.PeerStatus) []mesh.PeerEntry { return b.peers }

func (b *fakeBackend) Join(identity mesh.Identity) error {
	b.joined = append(b.joined, identity)
	return nil
}

func (b *fakeBackend) Leave(nodeID, reason string) error { return nil }

func (b *fakeBackend) Heartbeat(hb HeartbeatMsg) error { return nil }

func (b *fakeBackend) MergeGossip(sender string, peers []mesh.PeerEntry) error { return nil }

func (b *fakeBackend) SubmitTask(ctx context.Context, req TaskRequest) (TaskAck, error) {
	if b.slow > 0 {
		select {
		case <-time.After(b.slow):
		case <-ctx.Done():
			return TaskAck{}, ctx.Err()
		}
	}
	b.tasks = append(b.tasks, req)
	return TaskAck{Accepted: true, TaskID: req.TaskID}, nil
}

func (b *fakeBackend) SubmitResult(ctx context.Context, result TaskResult) error { return nil }

func (b *fakeBackend) TaskStatus(taskID string) (monitor.CheckpointStatus, bool) {
	s, ok := b.statuses[taskID]
	return s, ok
}

func (b *fakeBackend) CancelTask(taskID string) error { return nil }

func (b *fakeBackend) Checkpoints(taskID string) []Checkpoint {
	return []Checkpoint{{TaskID: taskID, Seq: 1, ProgressPct: 40}}
}

func (b *fakeBackend) CreateConsensusRound(taskID string, req ConsensusRequest) *consensus.Round {
	return b.consensus.CreateRound(taskID, req.RequiredVoters, req.RequiredAgreement, time.Duration(req.ExpiryMS)*time.Millisecond)
}

func (b *fakeBackend) SubmitVote(taskID string, vote VoteRequest) (*consensus.Round, error) {
	round, ok := b.consensus.ByTask(taskID)
	if !ok {
		round = b.consensus.CreateRound(taskID, 3, 0.66, time.Minute)
	}
	return b.consensus.SubmitVote(round.RoundID, vote.NodeID, vote.ResultHash, vote.OutcomeScore)
}

func (b *fakeBackend) Renegotiate(contractID string, req RenegotiateRequest) (*contract.Contract, error) {
	return &contract.Contract{ContractID: contractID, Status: contract.StatusRenegotiating}, nil
}

func (b *fakeBackend) EscrowDeposit(nodeID string, amount float64) error {
	b.deposits[nodeID] += amount
	return nil
}

func (b *fakeBackend) Subscribe(filter EventFilter) (<-chan *journal.Event, func()) {
	ch := make(chan *journal.Event)
	return ch, func() {}
}

func newTestServer(t *testing.T, backend Backend, auth AuthConfig) (*httptest.Server, *Client) {
	t.Helper()
	srv := NewServer(ServerConfig{Auth: auth}, backend)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	client := NewClient(ClientConfig{Timeout: 2 * time.Second, AllowLoopback: true, BearerToken: auth.Token},
		func(nodeID string) (string, bool) { return ts.URL, true })
	return ts, client
}

func TestFetchIdentity(t *testing.T) {
	backend := newFakeBackend()
	_, client := newTestServer(t, backend, AuthConfig{})

	identity, err := client.FetchIdentity(context.Background(), serverURL(t, client))
	require.NoError(t, err)
	assert.Equal(t, "self", identity.NodeID)
}

// serverURL recovers the test server base URL through the resolver.
func serverURL(t *testing.T, c *Client) string {
	t.Helper()
	base, ok := c.resolve("any")
	require.True(t, ok)
	return base
}

func TestJoinRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	_, client := newTestServer(t, backend, AuthConfig{})

	err := client.Join(context.Background(), serverURL(t, client), mesh.Identity{NodeID: "newcomer", APIURL: "http://n.example"})
	require.NoError(t, err)
	require.Len(t, backend.joined, 1)
	assert.Equal(t, "newcomer", backend.joined[0].NodeID)
}

func TestBearerTokenRequired(t *testing.T) {
	backend := newFakeBackend()
	ts, _ := newTestServer(t, backend, AuthConfig{Token: "s3cret"})

	// Missing token → 401.
	resp, err := http.Get(ts.URL + BasePath + "/identity")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token via the client succeeds.
	client := NewClient(ClientConfig{AllowLoopback: true, BearerToken: "s3cret"}, nil)
	identity, err := client.FetchIdentity(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "self", identity.NodeID)
}

func TestTaskSubmission(t *testing.T) {
	backend := newFakeBackend()
	_, client := newTestServer(t, backend, AuthConfig{})

	ack, err := client.SubmitTask(context.Background(), "peer", TaskRequest{TaskID: "t1", TaskText: "work"})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	require.Len(t, backend.tasks, 1)
}

func TestTaskStatusAndPathEscaping(t *testing.T) {
	backend := newFakeBackend()
	backend.statuses["weird task/id"] = monitor.CheckpointStatus{TaskID: "weird task/id", State: "running", ProgressPct: 30}
	_, client := newTestServer(t, backend, AuthConfig{})

	status, err := client.TaskStatus(context.Background(), "peer", "weird task/id")
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)

	_, err = client.TaskStatus(context.Background(), "peer", "missing")
	assert.Error(t, err)
}

func TestTimeoutMapsTo408(t *testing.T) {
	backend := newFakeBackend()
	backend.slow = 2 * time.Second
	srv := NewServer(ServerConfig{}, backend)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := NewClient(ClientConfig{Timeout: 50 * time.Millisecond, AllowLoopback: true},
		func(string) (string, bool) { return ts.URL, true })

	resp := client.call(context.Background(), http.MethodPost, ts.URL+BasePath+"/task", TaskRequest{TaskID: "t1"})
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
	assert.Equal(t, "timed out", resp.Error)
}

func TestSSRFGuardBlocksClient(t *testing.T) {
	client := NewClient(ClientConfig{}, nil) // loopback NOT allowed
	resp := client.call(context.Background(), http.MethodGet, "http://169.254.169.254/latest", nil)
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestConsensusRoutes(t *testing.T) {
	backend := newFakeBackend()
	ts, client := newTestServer(t, backend, AuthConfig{})
	_ = ts

	resp := client.call(context.Background(), http.MethodPost,
		serverURL(t, client)+BasePath+"/verify/t1/consensus",
		ConsensusRequest{RequiredVoters: 3, RequiredAgreement: 0.66})
	require.True(t, resp.OK, resp.Error)

	for _, vote := range []VoteRequest{
		{NodeID: "a", ResultHash: "h1", OutcomeScore: 1},
		{NodeID: "b", ResultHash: "h1", OutcomeScore: 1},
		{NodeID: "c", ResultHash: "h2", OutcomeScore: 0.5},
	} {
		resp = client.call(context.Background(), http.MethodPost,
			serverURL(t, client)+BasePath+"/verify/t1/vote", vote)
		require.True(t, resp.OK, resp.Error)
	}

	round, ok := backend.consensus.ByTask("t1")
	require.True(t, ok)
	require.NotNil(t, round.Outcome)
	assert.True(t, round.Outcome.Agreed)
}

func TestEscrowDepositRoute(t *testing.T) {
	backend := newFakeBackend()
	_, client := newTestServer(t, backend, AuthConfig{})

	require.NoError(t, client.Deposit(context.Background(), "peer", DepositRequest{NodeID: "n1", Amount: 5}))
	assert.Equal(t, 5.0, backend.deposits["n1"])
}

func TestEventFilterMatching(t *testing.T) {
	filter := EventFilter{TaskID: "t1", Types: []string{"swarm.task.delegated", "swarm.task.completed"}}

	assert.True(t, filter.MatchesEvent("swarm.task.delegated", map[string]any{"task_id": "t1"}))
	assert.False(t, filter.MatchesEvent("swarm.task.delegated", map[string]any{"task_id": "t2"}))
	assert.False(t, filter.MatchesEvent("swarm.heartbeat", map[string]any{"task_id": "t1"}))

	unfiltered := EventFilter{}
	assert.True(t, unfiltered.MatchesEvent("anything", nil))
}
