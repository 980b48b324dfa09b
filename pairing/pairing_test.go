package pairing

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Hain2000/pairkv/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// memHost 内存中的日志，既是 Store 也是 Host
type memHost struct {
	mu       sync.Mutex
	writable bool
	records  map[string][]byte
	writers  [][]byte
	key      []byte
	encKey   []byte
	topic    []byte
}

func newMemHost() *memHost {
	return &memHost{
		writable: true,
		records:  make(map[string][]byte),
		key:      bytes.Repeat([]byte{1}, 32),
		encKey:   bytes.Repeat([]byte{2}, 32),
		topic:    bytes.Repeat([]byte{3}, 32),
	}
}

func (h *memHost) Writable() bool       { return h.writable }
func (h *memHost) DiscoveryKey() []byte { return h.topic }
func (h *memHost) Key() []byte          { return h.key }
func (h *memHost) EncryptionKey() []byte {
	return h.encKey
}

func (h *memHost) Add(_ context.Context, key string, value any) error {
	b, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[key] = b
	return nil
}

func (h *memHost) GetInto(key string, v any) (bool, error) {
	h.mu.Lock()
	b, ok := h.records[key]
	h.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, msgpack.Unmarshal(b, v)
}

func (h *memHost) Invite(context.Context) (*Invite, bool, error) {
	var inv Invite
	ok, err := h.GetInto(ReservedInviteKey, &inv)
	if !ok || err != nil {
		return nil, false, err
	}
	return &inv, true, nil
}

func (h *memHost) AddWriter(_ context.Context, key []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writers = append(h.writers, bytes.Clone(key))
	return nil
}

func (h *memHost) writerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.writers)
}

func writerKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, writerKeySize)
}

func TestCode(t *testing.T) {
	code, err := NewCode([]byte("topic"), 0)
	require.NoError(t, err)
	parsed, err := ParseCode(code.String())
	require.NoError(t, err)
	assert.Equal(t, code, parsed)
	assert.Equal(t, code.ID(), parsed.ID())
	assert.Len(t, code.ID(), idSize)

	for _, bad := range []string{"", "!!!", "ybndrfg8"} {
		_, err := ParseCode(bad)
		assert.ErrorIs(t, err, ErrInviteInvalid, bad)
	}
}

func TestRegistry_CreateInvite(t *testing.T) {
	host := newMemHost()
	r := NewRegistry(host, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	_, ok, err := r.Lookup()
	require.NoError(t, err)
	assert.False(t, ok)

	inv, err := r.CreateInvite(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour).Unix(), inv.Expires)

	again, err := r.CreateInvite(context.Background())
	require.NoError(t, err)
	assert.Equal(t, inv, again)

	got, ok, err := r.Lookup()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, inv, got)

	code, err := ParseCode(inv.Invite)
	require.NoError(t, err)
	assert.Equal(t, host.topic, code.DiscoveryKey)

	// 过期后生成新的邀请
	now = now.Add(2 * time.Hour)
	rotated, err := r.CreateInvite(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, inv.ID, rotated.ID)

	host.writable = false
	_, err = r.CreateInvite(context.Background())
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestRegistry_NoExpiry(t *testing.T) {
	r := NewRegistry(newMemHost(), 0)
	inv, err := r.CreateInvite(context.Background())
	require.NoError(t, err)
	assert.Zero(t, inv.Expires)
	assert.False(t, inv.Expired(time.Now().Add(100*365*24*time.Hour)))
}

type pairEnv struct {
	host   *memHost
	member *Member
	hub    *swarm.Hub
	states chan MemberState
}

func newPairEnv(t *testing.T) *pairEnv {
	env := &pairEnv{
		host:   newMemHost(),
		hub:    swarm.NewHub(),
		states: make(chan MemberState, 8),
	}
	env.member = NewMember(env.host, nil)
	node := env.hub.Node()
	t.Cleanup(func() { node.Close() })
	require.NoError(t, node.Join(env.host.topic, func(conn swarm.Conn) {
		env.states <- env.member.Handle(context.Background(), conn, nil)
	}))
	return env
}

func (env *pairEnv) candidate(t *testing.T, invite string, user []byte) *Candidate {
	node := env.hub.Node()
	t.Cleanup(func() { node.Close() })
	opts := DefaultCandidateOptions
	opts.UserData = user
	c, err := NewCandidate(node, invite, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (env *pairEnv) nextState(t *testing.T) MemberState {
	select {
	case s := <-env.states:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("member session did not finish")
	}
	return 0
}

func runWithTimeout(c *Candidate) (*Confirmation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestPairing_Admitted(t *testing.T) {
	env := newPairEnv(t)
	inv, err := NewRegistry(env.host, 0).CreateInvite(context.Background())
	require.NoError(t, err)

	c := env.candidate(t, inv.Invite, writerKey(7))
	assert.Equal(t, CandidateIdle, c.State())
	conf, err := runWithTimeout(c)
	require.NoError(t, err)
	assert.Equal(t, env.host.key, conf.Key)
	assert.Equal(t, env.host.encKey, conf.EncryptionKey)
	assert.Equal(t, CandidatePaired, c.State())

	assert.Equal(t, MemberAdmitted, env.nextState(t))
	assert.Equal(t, 1, env.host.writerCount())
	assert.Equal(t, writerKey(7), env.host.writers[0])
	assert.Equal(t, uint64(1), env.member.Admitted())

	// 单次运行
	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrPairingClosed)
}

func TestPairing_InviteReusable(t *testing.T) {
	env := newPairEnv(t)
	inv, err := NewRegistry(env.host, 0).CreateInvite(context.Background())
	require.NoError(t, err)

	for i := byte(1); i <= 3; i++ {
		_, err := runWithTimeout(env.candidate(t, inv.Invite, writerKey(i)))
		require.NoError(t, err)
		assert.Equal(t, MemberAdmitted, env.nextState(t))
	}
	assert.Equal(t, 3, env.host.writerCount())
}

func TestPairing_UnknownInvite(t *testing.T) {
	env := newPairEnv(t)
	_, err := NewRegistry(env.host, 0).CreateInvite(context.Background())
	require.NoError(t, err)

	// 同一个 topic 上的另一个邀请
	other, err := NewInvite(env.host.topic, 0)
	require.NoError(t, err)

	c := env.candidate(t, other.Invite, writerKey(7))
	start := time.Now()
	_, err = runWithTimeout(c)
	assert.ErrorIs(t, err, ErrPairingClosed)
	assert.NotErrorIs(t, err, ErrConnectionLost)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, CandidateFailed, c.State())

	assert.Equal(t, MemberRejected, env.nextState(t))
	assert.Equal(t, 0, env.host.writerCount())
	assert.Equal(t, uint64(1), env.member.Rejected())
}

func TestPairing_NoInvite(t *testing.T) {
	env := newPairEnv(t)
	code, err := NewCode(env.host.topic, 0)
	require.NoError(t, err)
	_, err = runWithTimeout(env.candidate(t, code.String(), writerKey(7)))
	assert.ErrorIs(t, err, ErrPairingClosed)
	assert.Equal(t, MemberRejected, env.nextState(t))
}

func TestMember_BadSignature(t *testing.T) {
	env := newPairEnv(t)
	inv, err := NewRegistry(env.host, 0).CreateInvite(context.Background())
	require.NoError(t, err)
	code, err := ParseCode(inv.Invite)
	require.NoError(t, err)

	node := env.hub.Node()
	defer node.Close()
	conn, err := node.Dial(context.Background(), env.host.topic)
	require.NoError(t, err)
	defer conn.Close()

	eph, err := newEphemeral()
	require.NoError(t, err)
	req := &PairRequest{InviteID: code.ID(), UserData: writerKey(7), Ephemeral: eph.pub}
	_, wrong, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	req.sign(wrong)
	require.NoError(t, swarm.WriteFrame(conn, swarm.FramePairRequest, req))

	assert.Equal(t, MemberRejected, env.nextState(t))
	_, err = conn.Recv()
	assert.ErrorIs(t, err, swarm.ErrClosed)
	assert.Equal(t, 0, env.host.writerCount())
}

func TestCandidate_CloseWhileConnecting(t *testing.T) {
	hub := swarm.NewHub()
	node := hub.Node()
	defer node.Close()
	code, err := NewCode([]byte("nobody-here"), 0)
	require.NoError(t, err)
	opts := DefaultCandidateOptions
	opts.UserData = writerKey(1)
	c, err := NewCandidate(node, code.String(), opts)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.State() == CandidateConnecting }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPairingClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after close")
	}
	assert.Equal(t, CandidateFailed, c.State())
}

func TestCandidate_ConnectionLost(t *testing.T) {
	hub := swarm.NewHub()
	code, err := NewCode([]byte("flaky"), 0)
	require.NoError(t, err)

	member := hub.Node()
	defer member.Close()
	errLink := errors.New("link reset")
	require.NoError(t, member.Join(code.DiscoveryKey, func(conn swarm.Conn) {
		_, _ = conn.Recv()
		swarm.Abort(conn, errLink)
	}))

	node := hub.Node()
	defer node.Close()
	opts := DefaultCandidateOptions
	opts.UserData = writerKey(1)
	c, err := NewCandidate(node, code.String(), opts)
	require.NoError(t, err)

	_, err = runWithTimeout(c)
	assert.ErrorIs(t, err, ErrPairingClosed)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestNewCandidate_InvalidInvite(t *testing.T) {
	_, err := NewCandidate(swarm.NewHub().Node(), "definitely not an invite", CandidateOptions{UserData: writerKey(1)})
	assert.ErrorIs(t, err, ErrInviteInvalid)
}
