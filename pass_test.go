package pairkv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Hain2000/pairkv/index"
	"github.com/Hain2000/pairkv/pairing"
	"github.com/Hain2000/pairkv/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPass(t *testing.T, opts Options) *Pass {
	t.Helper()
	p, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func nodeOptions(hub *swarm.Hub) Options {
	opts := DefaultOptions
	opts.Swarm = hub.Node()
	return opts
}

func waitFinished(t *testing.T, pr *Pairer) (*Pass, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := pr.Finished(ctx)
	if p != nil {
		t.Cleanup(func() { _ = p.Close() })
	}
	return p, err
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond)
}

func TestPass_Records(t *testing.T) {
	p := openPass(t, DefaultOptions)
	ctx := context.Background()

	require.NoError(t, p.Add(ctx, "hello", "world"))
	v, ok, err := p.Get("hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "world", v)

	require.NoError(t, p.Add(ctx, "k", "v1"))
	require.NoError(t, p.Add(ctx, "k", "v2"))
	v, _, _ = p.Get("k")
	assert.Equal(t, "v2", v)

	require.NoError(t, p.Remove(ctx, "k"))
	_, ok, err = p.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, p.Add(ctx, "", "x"), ErrKeyIsEmpty)
	assert.ErrorIs(t, p.Remove(ctx, ""), ErrKeyIsEmpty)
	_, _, err = p.Get("")
	assert.ErrorIs(t, err, ErrKeyIsEmpty)
}

func TestPass_StructuredValues(t *testing.T) {
	type account struct {
		Username string `msgpack:"username"`
		Password string `msgpack:"password"`
	}
	p := openPass(t, DefaultOptions)
	require.NoError(t, p.Add(context.Background(), "site/example", account{Username: "alice", Password: "hunter2"}))

	var got account
	ok, err := p.GetInto("site/example", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", got.Username)

	v, _, err := p.Get("site/example")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"username": "alice", "password": "hunter2"}, v)
}

func TestPass_List(t *testing.T) {
	p := openPass(t, DefaultOptions)
	ctx := context.Background()
	for _, k := range []string{"b/2", "a/1", "b/1", "c"} {
		require.NoError(t, p.Add(ctx, k, k))
	}
	var keys []string
	for k, v := range p.List("b/") {
		keys = append(keys, k)
		assert.Equal(t, k, v)
	}
	assert.Equal(t, []string{"b/1", "b/2"}, keys)

	keys = keys[:0]
	for k := range p.List("") {
		keys = append(keys, k)
		if len(keys) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a/1", "b/1"}, keys)
}

func TestPass_Updates(t *testing.T) {
	p := openPass(t, DefaultOptions)
	ch, cancel := p.Updates()
	defer cancel()
	require.NoError(t, p.Add(context.Background(), "a", 1))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
}

func TestPass_Reopen(t *testing.T) {
	opts := DefaultOptions
	opts.DirPath = t.TempDir()
	opts.IndexType = index.LEVELDB

	p, err := Open(opts)
	require.NoError(t, err)
	key := p.Key()
	require.NoError(t, p.Add(context.Background(), "a", "1"))
	invite, err := p.CreateInvite(context.Background())
	require.NoError(t, err)

	_, err = Open(opts)
	assert.ErrorIs(t, err, ErrDatabaseIsUsing)
	require.NoError(t, p.Close())

	p = openPass(t, opts)
	assert.Equal(t, key, p.Key())
	assert.True(t, p.Writable())
	v, _, _ := p.Get("a")
	assert.Equal(t, "1", v)
	again, err := p.CreateInvite(context.Background())
	require.NoError(t, err)
	assert.Equal(t, invite, again)
}

func TestPass_Writers(t *testing.T) {
	p := openPass(t, DefaultOptions)
	ctx := context.Background()
	assert.Equal(t, p.Key(), p.WriterKey())
	assert.Len(t, p.Members(), 1)

	other := make([]byte, 32)
	other[0] = 1
	require.NoError(t, p.AddWriter(ctx, other))
	require.NoError(t, p.AddWriter(ctx, other))
	assert.Len(t, p.Members(), 2)
	require.NoError(t, p.RemoveWriter(ctx, other))
	assert.Len(t, p.Members(), 1)

	assert.ErrorIs(t, p.AddWriter(ctx, []byte{1}), ErrInvalidWriterKey)

	// 删除自己之后不再可写
	require.NoError(t, p.RemoveWriter(ctx, p.WriterKey()))
	assert.False(t, p.Writable())
	assert.ErrorIs(t, p.Add(ctx, "a", 1), ErrNotWritable)
	_, err := p.CreateInvite(ctx)
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestPass_NotWritableReplica(t *testing.T) {
	a := openPass(t, DefaultOptions)
	b, err := open(DefaultOptions, a.Key(), a.EncryptionKey(), nil)
	require.NoError(t, err)
	defer b.Close()
	assert.False(t, b.Writable())
	assert.ErrorIs(t, b.Add(context.Background(), "k", "v"), ErrNotWritable)
	_, err = b.CreateInvite(context.Background())
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestPair_Admitted(t *testing.T) {
	hub := swarm.NewHub()
	ctx := context.Background()
	a := openPass(t, nodeOptions(hub))
	require.NoError(t, a.Add(ctx, "secret", "s3cr3t"))
	invite, err := a.CreateInvite(ctx)
	require.NoError(t, err)

	pr := Pair(nodeOptions(hub), invite)
	b, err := waitFinished(t, pr)
	require.NoError(t, err)
	assert.Equal(t, pairing.CandidatePaired, pr.State())
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.EncryptionKey(), b.EncryptionKey())
	assert.Len(t, a.Members(), 2)
	assert.Equal(t, uint64(1), a.Stats().Admitted)

	eventually(t, func() bool {
		v, _, _ := b.Get("secret")
		return v == "s3cr3t"
	})
	eventually(t, b.Writable)

	require.NoError(t, b.Add(ctx, "from-b", "hi"))
	eventually(t, func() bool {
		v, _, _ := a.Get("from-b")
		return v == "hi"
	})

	// 第二次调用得到同样的结果
	again, err := pr.Finished(ctx)
	require.NoError(t, err)
	assert.Same(t, b, again)
}

func TestPair_OverGRPC(t *testing.T) {
	ctx := context.Background()
	ga, err := swarm.NewGRPC(swarm.GRPCOptions{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ga.Close() })
	gb, err := swarm.NewGRPC(swarm.GRPCOptions{Peers: []string{ga.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gb.Close() })

	optsA := DefaultOptions
	optsA.Swarm = ga
	a := openPass(t, optsA)
	require.NoError(t, a.Add(ctx, "secret", "s3cr3t"))
	invite, err := a.CreateInvite(ctx)
	require.NoError(t, err)

	optsB := DefaultOptions
	optsB.Swarm = gb
	b, err := waitFinished(t, Pair(optsB, invite))
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())

	eventually(t, func() bool {
		v, _, _ := b.Get("secret")
		return v == "s3cr3t"
	})
	eventually(t, b.Writable)
	require.NoError(t, b.Add(ctx, "from-b", "hi"))
	eventually(t, func() bool {
		v, _, _ := a.Get("from-b")
		return v == "hi"
	})
}

func TestPass_CreateInviteConcurrent(t *testing.T) {
	p := openPass(t, DefaultOptions)
	ctx := context.Background()

	const n = 16
	codes := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			codes[i], errs[i] = p.CreateInvite(ctx)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, codes[0], codes[i])
	}
	// 只追加了一条邀请记录
	assert.Equal(t, 1, p.Stats().Entries)
	inv, ok, err := p.Invite(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, codes[0], inv.Invite)
}

func TestPair_ThreePeers(t *testing.T) {
	hub := swarm.NewHub()
	ctx := context.Background()
	a := openPass(t, nodeOptions(hub))
	invite, err := a.CreateInvite(ctx)
	require.NoError(t, err)

	b, err := waitFinished(t, Pair(nodeOptions(hub), invite))
	require.NoError(t, err)
	c, err := waitFinished(t, Pair(nodeOptions(hub), invite))
	require.NoError(t, err)
	assert.Len(t, a.Members(), 3)

	eventually(t, b.Writable)
	eventually(t, c.Writable)
	require.NoError(t, b.Add(ctx, "k", "from-b"))
	require.NoError(t, c.Add(ctx, "other", "from-c"))

	for _, p := range []*Pass{a, b, c} {
		eventually(t, func() bool {
			_, ok1, _ := p.Get("k")
			_, ok2, _ := p.Get("other")
			return ok1 && ok2 && len(p.Members()) == 3
		})
	}
}

func TestPair_UnknownInvite(t *testing.T) {
	hub := swarm.NewHub()
	a := openPass(t, nodeOptions(hub))
	_, err := a.CreateInvite(context.Background())
	require.NoError(t, err)

	// 同一个 topic，但不是 a 的当前邀请
	code, err := pairing.NewCode(a.DiscoveryKey(), 0)
	require.NoError(t, err)

	pr := Pair(nodeOptions(hub), code.String())
	_, err = waitFinished(t, pr)
	assert.ErrorIs(t, err, ErrPairingClosed)
	assert.Equal(t, pairing.CandidateFailed, pr.State())
	assert.Len(t, a.Members(), 1)
	eventually(t, func() bool { return a.Stats().Rejected == 1 })
}

func TestPair_InvalidInvite(t *testing.T) {
	_, err := waitFinished(t, Pair(nodeOptions(swarm.NewHub()), "not-an-invite"))
	assert.ErrorIs(t, err, ErrInviteInvalid)

	_, err = waitFinished(t, Pair(DefaultOptions, "not-an-invite"))
	assert.ErrorIs(t, err, ErrSwarmRequired)
}

func TestPair_Close(t *testing.T) {
	hub := swarm.NewHub()
	code, err := pairing.NewCode([]byte("nobody"), 0)
	require.NoError(t, err)

	pr := Pair(nodeOptions(hub), code.String())
	eventually(t, func() bool { return pr.State() == pairing.CandidateConnecting })
	require.NoError(t, pr.Close())
	_, err = waitFinished(t, pr)
	assert.ErrorIs(t, err, ErrPairingClosed)
}
