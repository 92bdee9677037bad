package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleNode() *Node {
	n := NewNode()
	n.AddInt("leftTableID", 3)
	n.AddInt64("rows", 1<<40)
	n.AddString("codec", "zstd")
	n.AddBool("compressed", true)
	child := n.AddSettings("meta_internal")
	child.AddInt("rightTableID", 4)
	return n
}

func TestNode_Getters(t *testing.T) {
	n := sampleNode()

	v, err := n.GetInt("leftTableID")
	require.NoError(t, err)
	require.Equal(t, 3, v)

	big, err := n.GetInt64("rows")
	require.NoError(t, err)
	require.EqualValues(t, 1<<40, big)

	s, err := n.GetString("codec")
	require.NoError(t, err)
	require.Equal(t, "zstd", s)

	b, err := n.GetBool("compressed")
	require.NoError(t, err)
	require.True(t, b)

	child, err := n.GetSettings("meta_internal")
	require.NoError(t, err)
	r, err := child.GetInt("rightTableID")
	require.NoError(t, err)
	require.Equal(t, 4, r)

	require.Equal(t, []string{"codec", "compressed", "leftTableID", "meta_internal", "rows"}, n.Keys())
}

func TestNode_InvalidEntries(t *testing.T) {
	n := sampleNode()

	var inv *InvalidError
	_, err := n.GetInt("nope")
	require.ErrorAs(t, err, &inv)
	require.Equal(t, "nope", inv.Key)
	require.ErrorIs(t, err, ErrInvalidSettings)

	_, err = n.GetInt("codec")
	require.ErrorAs(t, err, &inv)
	require.Contains(t, inv.Reason, "not a number")

	_, err = n.GetSettings("leftTableID")
	require.ErrorIs(t, err, ErrInvalidSettings)
}

func TestNode_AddReplacesAcrossTypes(t *testing.T) {
	n := NewNode()
	n.AddInt("k", 1)
	n.AddString("k", "one")
	_, err := n.GetInt("k")
	require.ErrorIs(t, err, ErrInvalidSettings)
	require.Equal(t, []string{"k"}, n.Keys())
}

func TestNode_EncodeDecode(t *testing.T) {
	data, err := sampleNode().Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, sampleNode(), got)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrInvalidSettings)
	_, err = Decode([]byte{0xc1})
	require.ErrorIs(t, err, ErrInvalidSettings)
}

func TestStores(t *testing.T) {
	level, err := OpenLevelStore(filepath.Join(t.TempDir(), "settings"))
	require.NoError(t, err)
	memLevel, err := OpenMemLevelStore()
	require.NoError(t, err)

	stores := map[string]Store{
		"mem":       NewMemStore(),
		"level":     level,
		"mem-level": memLevel,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, s.Close()) }()

			require.NoError(t, s.Put("table_1", sampleNode()))
			got, err := s.Get("table_1")
			require.NoError(t, err)
			require.Equal(t, sampleNode(), got)

			require.NoError(t, s.Delete("table_1"))
			_, err = s.Get("table_1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
