package cluster

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Hain2000/pairkv/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/rand"
)

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	e := NewEngine(index.NewBTree(), opts)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

type batch struct {
	t       *testing.T
	writer  string
	seq     uint64
	entries []Entry
}

func newBatch(t *testing.T, writer string) *batch {
	return &batch{t: t, writer: writer}
}

func (b *batch) op(op Op) *batch {
	b.seq++
	b.entries = append(b.entries, Entry{Writer: b.writer, Seq: b.seq, Clock: b.seq, Op: mustEncode(b.t, op)})
	return b
}

func (b *batch) put(key string, value any) *batch {
	rec, err := NewAddRecord(key, value)
	require.NoError(b.t, err)
	return b.op(rec)
}

func (b *batch) raw(payload []byte) *batch {
	b.seq++
	b.entries = append(b.entries, Entry{Writer: b.writer, Seq: b.seq, Clock: b.seq, Op: payload})
	return b
}

func getString(t *testing.T, v *View, key string) (string, bool) {
	t.Helper()
	raw, ok, err := v.Get(key)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	var s string
	require.NoError(t, msgpack.Unmarshal(raw, &s))
	return s, true
}

func TestEngine_Records(t *testing.T) {
	root := testWriter(1)

	t.Run("put then get", func(t *testing.T) {
		e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
		res, err := e.Apply(newBatch(t, root).put("hello", "world").entries)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Applied)
		v, ok := getString(t, e.View(), "hello")
		assert.True(t, ok)
		assert.Equal(t, "world", v)
	})

	t.Run("last write wins", func(t *testing.T) {
		e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
		_, err := e.Apply(newBatch(t, root).put("k", "v1").put("k", "v2").entries)
		require.NoError(t, err)
		v, _ := getString(t, e.View(), "k")
		assert.Equal(t, "v2", v)
	})

	t.Run("remove", func(t *testing.T) {
		e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
		_, err := e.Apply(newBatch(t, root).put("k", "v").op(RemoveRecord{Key: "k"}).entries)
		require.NoError(t, err)
		_, ok := getString(t, e.View(), "k")
		assert.False(t, ok)
	})

	t.Run("remove missing key", func(t *testing.T) {
		e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
		res, err := e.Apply(newBatch(t, root).op(RemoveRecord{Key: "nope"}).entries)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Applied)
	})
}

func TestEngine_SplitBatchesEqualSingleBatch(t *testing.T) {
	root := testWriter(1)
	entries := newBatch(t, root).
		put("a", "1").put("b", "2").put("a", "3").
		op(RemoveRecord{Key: "b"}).put("c", "4").put("b", "5").
		entries

	whole := newTestEngine(t, EngineOptions{Genesis: []string{root}})
	_, err := whole.Apply(entries)
	require.NoError(t, err)

	split := newTestEngine(t, EngineOptions{Genesis: []string{root}})
	for _, entry := range entries {
		_, err := split.Apply([]Entry{entry})
		require.NoError(t, err)
	}

	dump := func(e *Engine) map[string]string {
		m := map[string]string{}
		for k, raw := range e.View().All("") {
			var s string
			require.NoError(t, msgpack.Unmarshal(raw, &s))
			m[k] = s
		}
		return m
	}
	assert.Equal(t, map[string]string{"a": "3", "b": "5", "c": "4"}, dump(whole))
	assert.Equal(t, dump(whole), dump(split))
}

func TestEngine_Writers(t *testing.T) {
	root, w2, w3 := testWriter(1), testWriter(2), testWriter(3)
	e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
	assert.Equal(t, 1, e.Ledger().Len())

	_, err := e.Apply(newBatch(t, root).
		op(AddWriter{Key: w2}).
		op(AddWriter{Key: w2}).
		op(AddWriter{Key: w3}).
		entries)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Ledger().Len())
	assert.True(t, e.Ledger().IsActive(w2))

	_, err = e.Apply(newBatch(t, root).op(RemoveWriter{Key: w3}).op(RemoveWriter{Key: w3}).entries)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Ledger().Len())
	assert.False(t, e.Ledger().IsActive(w3))
	st, ok := e.Ledger().State(w3)
	assert.True(t, ok)
	assert.Equal(t, WriterRevoked, st)

	// 从未加入过的写者
	_, err = e.Apply(newBatch(t, root).op(RemoveWriter{Key: testWriter(9)}).entries)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Ledger().Len())

	expected := []string{root, w2}
	if w2 < root {
		expected = []string{w2, root}
	}
	assert.Equal(t, expected, e.Ledger().ActiveWriters())

	// 重新加入
	_, err = e.Apply(newBatch(t, root).op(AddWriter{Key: w3}).entries)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Ledger().Len())
}

func TestEngine_MalformedSkipped(t *testing.T) {
	root := testWriter(1)
	e := newTestEngine(t, EngineOptions{Genesis: []string{root}, MaxDiagnostics: 2})

	res, err := e.Apply(newBatch(t, root).
		put("a", "1").
		raw([]byte("not msgpack \xc1")).
		raw(nil).
		raw(nil).
		put("b", "2").
		entries)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Applied: 2, Malformed: 3}, res)

	diags := e.Diagnostics()
	require.Len(t, diags, 2)
	assert.Equal(t, uint64(3), diags[0].Seq)
	assert.Equal(t, uint64(4), diags[1].Seq)
	for _, d := range diags {
		assert.ErrorIs(t, d.Err, ErrMalformedOperation)
		assert.Equal(t, root, d.Writer)
	}

	_, ok := getString(t, e.View(), "b")
	assert.True(t, ok)
}

func TestEngine_Admit(t *testing.T) {
	root, stranger := testWriter(1), testWriter(2)
	admit := func(l *Ledger, entry Entry) bool {
		return l.IsActive(entry.Writer)
	}
	e := newTestEngine(t, EngineOptions{Genesis: []string{root}, Admit: admit})

	res, err := e.Apply(newBatch(t, stranger).put("x", "evil").entries)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Skipped: 1}, res)
	_, ok := getString(t, e.View(), "x")
	assert.False(t, ok)

	entries := newBatch(t, root).op(AddWriter{Key: stranger}).entries
	entries = append(entries, newBatch(t, stranger).put("x", "ok").entries...)
	res, err = e.Apply(entries)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	v, _ := getString(t, e.View(), "x")
	assert.Equal(t, "ok", v)
}

func TestEngine_Reset(t *testing.T) {
	root := testWriter(1)
	e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
	_, err := e.Apply(newBatch(t, root).put("a", "1").op(AddWriter{Key: testWriter(2)}).raw(nil).entries)
	require.NoError(t, err)

	require.NoError(t, e.Reset())
	_, ok := getString(t, e.View(), "a")
	assert.False(t, ok)
	assert.Equal(t, []string{root}, e.Ledger().ActiveWriters())
	assert.Empty(t, e.Diagnostics())
}

func TestEngine_Subscribe(t *testing.T) {
	root := testWriter(1)
	e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
	ch, cancel := e.Subscribe()
	defer cancel()

	// 一个批次只通知一次
	_, err := e.Apply(newBatch(t, root).put("a", "1").put("b", "2").entries)
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	select {
	case <-ch:
		t.Fatal("unexpected second notification")
	default:
	}

	// 没有应用任何日志时不通知
	_, err = e.Apply(newBatch(t, root).raw(nil).entries)
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("notified for an empty batch")
	default:
	}
	assert.Equal(t, uint64(1), e.Batches())

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

type failingIndexer struct {
	*index.BTree
}

var errDiskFull = errors.New("disk full")

func (f failingIndexer) Put([]byte, []byte) error { return errDiskFull }

func TestEngine_StorageError(t *testing.T) {
	root := testWriter(1)
	e := NewEngine(failingIndexer{index.NewBTree()}, EngineOptions{Genesis: []string{root}})
	defer e.Close()
	res, err := e.Apply(newBatch(t, root).op(AddWriter{Key: testWriter(2)}).put("a", "1").entries)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 1, res.Applied)
}

func TestEngine_WriterAliasIsMalformed(t *testing.T) {
	root := testWriter(1)
	e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
	alias := aliasWriter(root)
	res, err := e.Apply(newBatch(t, root).op(AddWriter{Key: alias}).op(RemoveWriter{Key: alias}).entries)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Malformed)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 1, e.Ledger().Len())
	assert.True(t, e.Ledger().IsActive(root))
	assert.False(t, e.Ledger().IsActive(alias))
}

func TestEngine_RandomOpsMatchMap(t *testing.T) {
	root := testWriter(1)
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			e := newTestEngine(t, EngineOptions{Genesis: []string{root}})
			want := make(map[string]string)

			b := newBatch(t, root)
			for i := 0; i < 300; i++ {
				key := fmt.Sprintf("k%02d", r.Intn(16))
				if r.Intn(3) == 0 {
					b.op(RemoveRecord{Key: key})
					delete(want, key)
					continue
				}
				value := fmt.Sprintf("v%d", i)
				b.put(key, value)
				want[key] = value
			}

			// 随机切成若干批次应用
			entries := b.entries
			for len(entries) > 0 {
				n := 1 + r.Intn(len(entries))
				res, err := e.Apply(entries[:n])
				require.NoError(t, err)
				require.Equal(t, n, res.Applied)
				entries = entries[n:]
			}

			got := make(map[string]string)
			for key, raw := range e.View().All("") {
				var s string
				require.NoError(t, msgpack.Unmarshal(raw, &s))
				got[key] = s
			}
			assert.Equal(t, want, got)
		})
	}
}
