package oplog

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logPath(t *testing.T, ty Type) string {
	if ty == TypeBolt {
		return filepath.Join(t.TempDir(), "writer.bolt")
	}
	return t.TempDir()
}

func TestLog_AppendGet(t *testing.T) {
	for _, ty := range []Type{TypeWAL, TypeBolt, TypeMemory} {
		t.Run(fmt.Sprintf("type-%d", ty), func(t *testing.T) {
			l, err := Open(ty, logPath(t, ty), false)
			require.NoError(t, err)
			defer l.Close()

			assert.Equal(t, uint64(0), l.Len())
			for i := 1; i <= 5; i++ {
				seq, err := l.Append([]byte(fmt.Sprintf("op-%d", i)))
				require.NoError(t, err)
				assert.Equal(t, uint64(i), seq)
			}
			assert.Equal(t, uint64(5), l.Len())

			v, err := l.Get(3)
			assert.Nil(t, err)
			assert.Equal(t, []byte("op-3"), v)

			_, err = l.Get(0)
			assert.ErrorIs(t, err, ErrEntryNotFound)
			_, err = l.Get(6)
			assert.ErrorIs(t, err, ErrEntryNotFound)
		})
	}
}

func TestLog_Reopen(t *testing.T) {
	for _, ty := range []Type{TypeWAL, TypeBolt} {
		t.Run(fmt.Sprintf("type-%d", ty), func(t *testing.T) {
			path := logPath(t, ty)
			l, err := Open(ty, path, true)
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				_, err := l.Append([]byte{byte(i)})
				require.NoError(t, err)
			}
			require.NoError(t, l.Close())

			l2, err := Open(ty, path, true)
			require.NoError(t, err)
			defer l2.Close()
			assert.Equal(t, uint64(3), l2.Len())
			v, err := l2.Get(2)
			assert.Nil(t, err)
			assert.Equal(t, []byte{1}, v)

			seq, err := l2.Append([]byte{9})
			assert.Nil(t, err)
			assert.Equal(t, uint64(4), seq)
		})
	}
}

func TestLog_Closed(t *testing.T) {
	l, err := Open(TypeMemory, "", false)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Append([]byte("x"))
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestParseType(t *testing.T) {
	ty, err := ParseType("bolt")
	assert.Nil(t, err)
	assert.Equal(t, TypeBolt, ty)
	_, err = ParseType("rocks")
	assert.NotNil(t, err)
}
