package dbfile

import (
	"net/netip"
	"testing"

	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/ioclookup/internal/ac"
	"github.com/sjzar/ioclookup/internal/dataval"
	"github.com/sjzar/ioclookup/internal/glob"
	"github.com/sjzar/ioclookup/internal/iptrie"
	"github.com/sjzar/ioclookup/internal/litmap"
)

func TestOpenTrieAndDataOnly(t *testing.T) {
	data := dataval.NewBuilder()
	off, err := data.Put(mmdbtype.String("hello"))
	require.NoError(t, err)

	trieBuilder := iptrie.NewBuilder()
	require.NoError(t, trieBuilder.Insert(netip.MustParsePrefix("10.0.0.0/8"), off))

	asm := Assembler{
		Metadata: Metadata{
			NodeCount:    uint32(trieBuilder.NodeCount()),
			RecordSize:   28,
			IPVersion:    6,
			DatabaseType: "ioclookup-test",
		},
		IPTrie:      trieBuilder.Build(),
		DataSection: data.Bytes(),
	}
	file := asm.Build()

	layout, err := Open(file)
	require.NoError(t, err)
	assert.Equal(t, uint32(trieBuilder.NodeCount()), layout.Metadata.NodeCount)
	assert.Equal(t, "ioclookup-test", layout.Metadata.DatabaseType)
	assert.Nil(t, layout.Pattern)
	assert.Nil(t, layout.LiteralHash)

	trieReader, err := iptrie.New(layout.IPTrie, layout.Metadata.NodeCount, false)
	require.NoError(t, err)
	res, err := trieReader.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.NoError(t, err)
	require.True(t, res.Found)

	codec := dataval.New(layout.DataSection, true)
	v, err := codec.Decode(res.DataOffset)
	require.NoError(t, err)
	assert.Equal(t, mmdbtype.String("hello"), v)
}

func TestOpenWithAllExtensions(t *testing.T) {
	data := dataval.NewBuilder()
	litOff, err := data.Put(mmdbtype.Map{"tier": mmdbtype.String("exact")})
	require.NoError(t, err)
	globOff, err := data.Put(mmdbtype.Map{"tier": mmdbtype.String("glob")})
	require.NoError(t, err)

	lm := litmap.NewBuilder(false, 1)
	lm.Add("api.example.com", litOff)

	acBuilder := ac.NewBuilder()
	acBuilder.AddLiteral("example.com", 0)

	globTable := BuildGlobTable([]GlobEntry{{Pattern: "*.example.com", DataOffset: uint32(globOff)}})
	litPatMap := BuildLitPatMap([][]uint32{{0}})
	paraglob := BuildParaglob(MatchModeSensitive, acBuilder.Build(), globTable, litPatMap)

	asm := Assembler{
		Metadata: Metadata{
			RecordSize:   28,
			IPVersion:    6,
			DatabaseType: "ioclookup-test",
			MatchMode:    MatchModeSensitive,
		},
		DataSection: data.Bytes(),
		Pattern:     paraglob,
		LiteralHash: lm.Build(),
	}
	file := asm.Build()

	layout, err := Open(file)
	require.NoError(t, err)
	require.NotNil(t, layout.Pattern)
	require.NotNil(t, layout.LiteralHash)

	litReader, err := litmap.New(layout.LiteralHash, false)
	require.NoError(t, err)
	off, found, err := litReader.Lookup("api.example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, litOff, off)

	pg, err := ParseParaglob(layout.Pattern)
	require.NoError(t, err)
	entries, err := ParseGlobTable(pg.GlobTable)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "*.example.com", entries[0].Pattern)
	assert.Equal(t, uint32(globOff), entries[0].DataOffset)

	pattern, err := glob.Compile(entries[0].Pattern)
	require.NoError(t, err)
	assert.True(t, pattern.Match("api.example.com"))

	litPatEntries, err := ParseLitPatMap(pg.LitPatMap)
	require.NoError(t, err)
	require.Len(t, litPatEntries, 1)
	assert.Equal(t, []uint32{0}, litPatEntries[0])

	acReader := ac.New(pg.AC)
	var hitLiteral uint32 = 999
	err = acReader.Scan([]byte("api.example.com"), func(pos int, id uint32) error {
		hitLiteral = id
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), hitLiteral)
}

func TestOpenRejectsMissingMarker(t *testing.T) {
	_, err := Open([]byte("not a database"))
	assert.Error(t, err)
}
