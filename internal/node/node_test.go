package node

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artidx/internal/base"
)

func ref(i int) base.ItemPointer {
	return base.ItemPointer{Block: base.PageID(100 + i), Offset: uint16(i + 1)}
}

func childMap(n *Node) map[byte]base.ItemPointer {
	out := make(map[byte]base.ItemPointer)
	n.ForEachChild(func(b byte, c base.ItemPointer) bool {
		out[b] = c
		return true
	})
	return out
}

func TestNodeSizes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 19, HeaderSize)
	assert.Equal(t, 23, LeafHeaderSize)
	assert.Equal(t, 47, New(Kind4).Size())
	assert.Equal(t, 131, New(Kind16).Size())
	assert.Equal(t, 563, New(Kind48).Size())
	assert.Equal(t, 1555, New(Kind256).Size())

	leaf := NewLeaf([]byte("abc"), ref(0))
	assert.Equal(t, 23+3+6, leaf.Size())
	leaf.Items = append(leaf.Items, ref(1))
	assert.Equal(t, 23+3+12, leaf.Size())

	assert.Equal(t, base.MaxItemSize, LeafSize(MaxKeySize, 1))
}

func TestGrowthKeepsChildrenSorted(t *testing.T) {
	t.Parallel()

	n := New(Kind4)
	n.SetPrefix([]byte("pre"), 3)
	n.Parent = ref(42)

	var grown bool
	var err error
	for i, b := range []byte{5, 1, 9, 3, 7} {
		n, grown, err = n.AddChild(b, ref(int(b)))
		require.NoError(t, err)
		assert.Equal(t, i == 4, grown, "growth happens on the fifth child only")
	}

	require.Equal(t, Kind16, n.Kind)
	assert.Equal(t, 5, n.NumChildren)
	assert.Equal(t, []byte{1, 3, 5, 7, 9}, n.Keys[:n.NumChildren])
	for _, b := range []byte{1, 3, 5, 7, 9} {
		c, ok := n.FindChild(b)
		require.True(t, ok)
		assert.Equal(t, ref(int(b)), c)
	}
	assert.Equal(t, 3, n.PrefixLen, "header survives migration")
	assert.Equal(t, ref(42), n.Parent)
}

func TestGrowthToNode256(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	order := rng.Perm(256)

	n := New(Kind4)
	kinds := map[int]Kind{}
	for i, v := range order {
		var err error
		n, _, err = n.AddChild(byte(v), ref(v))
		require.NoError(t, err)
		kinds[i+1] = n.Kind
	}
	assert.Equal(t, Kind4, kinds[4])
	assert.Equal(t, Kind16, kinds[5])
	assert.Equal(t, Kind16, kinds[16])
	assert.Equal(t, Kind48, kinds[17])
	assert.Equal(t, Kind48, kinds[48])
	assert.Equal(t, Kind256, kinds[49])
	assert.Equal(t, 256, n.NumChildren)

	got := childMap(n)
	require.Len(t, got, 256)
	for v := 0; v < 256; v++ {
		assert.Equal(t, ref(v), got[byte(v)])
	}

	_, _, err := n.AddChild(7, ref(7))
	assert.ErrorIs(t, err, ErrDuplicateChild)
}

func TestAddChildDuplicate(t *testing.T) {
	t.Parallel()

	n := New(Kind4)
	_, _, err := n.AddChild('a', ref(1))
	require.NoError(t, err)
	_, _, err = n.AddChild('a', ref(2))
	assert.ErrorIs(t, err, ErrDuplicateChild)
}

func TestSetChild(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{Kind4, Kind16, Kind48, Kind256} {
		n := New(kind)
		require.NoError(t, n.insert('x', ref(1)))
		assert.True(t, n.SetChild('x', ref(2)), kind)
		c, ok := n.FindChild('x')
		require.True(t, ok)
		assert.Equal(t, ref(2), c, kind)
		assert.False(t, n.SetChild('y', ref(3)), kind)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{Kind4, Kind16, Kind48, Kind256} {
		n := New(kind)
		n.Parent = ref(9)
		n.SetPrefix([]byte("abcdefghijkl"), 12)
		for i := 0; i < kind.Capacity() && i < 20; i++ {
			require.NoError(t, n.insert(byte(i*3), ref(i)))
		}

		buf := n.Encode()
		require.Len(t, buf, n.Size())
		k, err := PeekKind(buf)
		require.NoError(t, err)
		assert.Equal(t, kind, k)

		got, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, kind, got.Kind)
		assert.Equal(t, n.Parent, got.Parent)
		assert.Equal(t, n.NumChildren, got.NumChildren)
		assert.Equal(t, 12, got.PrefixLen)
		assert.Equal(t, []byte("abcdefgh"), got.Prefix[:])
		assert.Equal(t, childMap(n), childMap(got))
	}
}

func TestLeafCodecRoundTrip(t *testing.T) {
	t.Parallel()

	leaf := NewLeaf([]byte("hello"), ref(1))
	leaf.Items = append(leaf.Items, ref(2), ref(3))
	leaf.Next = ref(7)
	leaf.Last = ref(8)
	leaf.Parent = ref(4)

	got, err := Decode(leaf.Encode())
	require.NoError(t, err)
	assert.Equal(t, leaf, got)

	buf := leaf.Encode()
	SetParent(buf, ref(11))
	got, err = Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, ref(11), got.Parent)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrCorruptNode)

	_, err = Decode([]byte{0x7F, 1, 2, 3})
	assert.ErrorIs(t, err, ErrUnknownNodeType)
	_, err = PeekKind([]byte{0})
	assert.ErrorIs(t, err, ErrUnknownNodeType)

	buf := New(Kind4).Encode()
	_, err = Decode(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrCorruptNode)

	buf[7] = 9 // NumChildren beyond capacity
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrCorruptNode)

	leaf := NewLeaf([]byte("k"), ref(0)).Encode()
	_, err = Decode(leaf[:len(leaf)-2])
	assert.ErrorIs(t, err, ErrCorruptNode)
}

func TestFindKeySWARMatchesScalar(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 500; round++ {
		n := rng.Intn(17)
		keys := make([]byte, 16)
		perm := rng.Perm(256)[:n]
		for i, v := range perm {
			keys[i] = byte(v)
		}
		for b := 0; b < 256; b++ {
			want := findKeyScalar(keys, n, byte(b))
			got := findKeySWAR(keys, n, byte(b))
			require.Equal(t, want, got, "round %d n=%d b=%d", round, n, b)
		}
	}
}

func TestFindKeySWARIgnoresUnusedSlots(t *testing.T) {
	t.Parallel()

	keys := make([]byte, 16)
	keys[0], keys[1] = 4, 9
	assert.Equal(t, -1, findKeySWAR(keys, 2, 0), "zeroed tail is not a key")
	assert.Equal(t, 1, findKeySWAR(keys, 2, 9))
}

func TestChildRange(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{Kind4, Kind16, Kind48, Kind256} {
		n := New(kind)
		for i, b := range []byte("dbca") {
			var err error
			n, _, err = n.AddChild(b, ref(i))
			require.NoError(t, err)
		}

		bytesOf := func(cs []Candidate) string {
			s := ""
			for _, c := range cs {
				s += string(c.Byte)
				if c.Exact {
					s += "*"
				}
			}
			return s
		}

		assert.Equal(t, "b*", bytesOf(n.ChildRange('b', OpEQ)), kind)
		assert.Equal(t, "", bytesOf(n.ChildRange('z', OpEQ)), kind)
		assert.Equal(t, "ab*", bytesOf(n.ChildRange('b', OpLT)), kind)
		assert.Equal(t, "ab*", bytesOf(n.ChildRange('b', OpLE)), kind)
		assert.Equal(t, "b*cd", bytesOf(n.ChildRange('b', OpGT)), kind)
		assert.Equal(t, "b*cd", bytesOf(n.ChildRange('b', OpGE)), kind)
		assert.Equal(t, "abcd", bytesOf(n.ChildRange('z', OpLT)), kind)
		assert.Equal(t, "", bytesOf(n.ChildRange('z', OpGT)), kind)
		assert.Equal(t, "abcd", bytesOf(n.ChildRange(0, OpGE)), kind)
	}
}

func TestOpAccepts(t *testing.T) {
	t.Parallel()

	assert.True(t, OpEQ.Accepts(0))
	assert.False(t, OpEQ.Accepts(1))
	assert.True(t, OpLT.Accepts(-1))
	assert.False(t, OpLT.Accepts(0))
	assert.True(t, OpLE.Accepts(0))
	assert.True(t, OpGT.Accepts(1))
	assert.False(t, OpGT.Accepts(0))
	assert.True(t, OpGE.Accepts(0))
	assert.False(t, Op(9).Valid())
}

func TestPrefixHelpers(t *testing.T) {
	t.Parallel()

	n := New(Kind4)
	n.SetPrefix([]byte("xxabcdefghijkl")[2:], 12)
	assert.Equal(t, 12, n.PrefixLen)
	assert.Equal(t, []byte("abcdefgh"), n.Prefix[:])

	key := []byte("__abcdefghijkl")
	assert.Equal(t, MaxPrefixLen, n.CheckPrefix(key, 2), "only inline bytes are checked")
	assert.Equal(t, 3, n.CheckPrefix([]byte("__abcX"), 2))
	assert.Equal(t, 2, n.CheckPrefix([]byte("__ab"), 2), "short key stops the comparison")

	assert.Equal(t, 3, LongestCommonPrefix([]byte("abcdef"), []byte("abcxyz"), 0))
	assert.Equal(t, 1, LongestCommonPrefix([]byte("abcdef"), []byte("abcxyz"), 2))
	assert.Equal(t, 0, LongestCommonPrefix([]byte("ab"), []byte("ab"), 5))
	assert.Equal(t, 2, LongestCommonPrefix([]byte("ab"), []byte("abc"), 0))

	leaf := NewLeaf([]byte("key"), ref(0))
	assert.True(t, leaf.LeafMatches([]byte("key")))
	assert.False(t, leaf.LeafMatches([]byte("ke")))
	assert.False(t, leaf.LeafMatches([]byte("kez")))
	assert.False(t, n.LeafMatches([]byte("key")))
}

func TestFirstChild(t *testing.T) {
	t.Parallel()

	n := New(Kind48)
	_, ok := n.FirstChild()
	assert.False(t, ok)

	require.NoError(t, n.insert(200, ref(1)))
	require.NoError(t, n.insert(17, ref(2)))
	c, ok := n.FirstChild()
	require.True(t, ok)
	assert.Equal(t, ref(2), c)
}
