package iterator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Hk669/snailDB/pkg/types"
)

func e(key string, seq uint64, val string) types.Entry {
	return types.Entry{Key: []byte(key), Value: []byte(val), Seq: seq, Kind: types.KindSet}
}

func drain(it Iterator) []types.Entry {
	var out []types.Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out
}

func TestSlice(t *testing.T) {
	in := []types.Entry{e("a", 1, "1"), e("b", 2, "2")}
	require.Equal(t, in, drain(Slice(in)))
	require.Empty(t, drain(Slice(nil)))
}

func TestMergeOrdersByKeyThenSeqDesc(t *testing.T) {
	newer := Slice([]types.Entry{e("a", 5, "new"), e("c", 6, "c")})
	older := Slice([]types.Entry{e("a", 2, "old"), e("b", 1, "b")})

	got := drain(Merge(newer, older))
	require.Len(t, got, 4)
	require.Equal(t, "a", string(got[0].Key))
	require.Equal(t, uint64(5), got[0].Seq, "newest version of a key comes first")
	require.Equal(t, uint64(2), got[1].Seq)
	require.Equal(t, "b", string(got[2].Key))
	require.Equal(t, "c", string(got[3].Key))
}

func TestMergeManySources(t *testing.T) {
	sources := []Iterator{
		Slice([]types.Entry{e("b", 9, "x")}),
		Slice([]types.Entry{e("a", 3, "x"), e("d", 4, "x")}),
		Slice([]types.Entry{e("c", 1, "x")}),
		Slice(nil),
	}
	got := drain(Merge(sources...))
	keys := make([]string, 0, len(got))
	for _, en := range got {
		keys = append(keys, string(en.Key))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)
}
