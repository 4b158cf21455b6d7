package ioclookup

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestDB(t *testing.T, configure func(b *Builder)) string {
	t.Helper()
	b := NewBuilder()
	configure(b)
	path := filepath.Join(t.TempDir(), "test.iocdb")
	require.NoError(t, b.WriteFile(path))
	return path
}

func TestLongestPrefixMatchEndToEnd(t *testing.T) {
	path := buildTestDB(t, func(b *Builder) {
		require.NoError(t, b.AddIP("10.0.0.0/8", mmdbtype.String("broad")))
		require.NoError(t, b.AddIP("10.1.2.3/32", mmdbtype.String("specific")))
	})

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	res, err := db.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, mmdbtype.String("specific"), res.Data)

	res, err = db.Lookup(netip.MustParseAddr("10.9.9.9"))
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, mmdbtype.String("broad"), res.Data)

	res, err = db.Lookup(netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	assert.False(t, res.Found())
}

func TestCaseInsensitiveLiteralAndPattern(t *testing.T) {
	b := NewBuilder(WithCaseInsensitive())
	require.NoError(t, b.AddLiteral("Bad.Example.Com", mmdbtype.String("literal-hit")))
	require.NoError(t, b.AddGlob("*.Evil.Example.Com", mmdbtype.String("pattern-hit")))
	path := filepath.Join(t.TempDir(), "ci.iocdb")
	require.NoError(t, b.WriteFile(path))

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	res, err := db.LookupString("BAD.EXAMPLE.COM")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, ResultExactString, res.Kind)
	assert.Equal(t, mmdbtype.String("literal-hit"), res.Data)

	res, err = db.LookupString("SUB.EVIL.EXAMPLE.COM")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, ResultPattern, res.Kind)
	require.Len(t, res.PatternData, 1)
	assert.Equal(t, mmdbtype.String("pattern-hit"), res.PatternData[0])
}

func TestOverlappingPatternsBothReported(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddGlob("abc*", mmdbtype.String("prefix-match")))
	require.NoError(t, b.AddGlob("*bcd", mmdbtype.String("suffix-match")))
	path := filepath.Join(t.TempDir(), "overlap.iocdb")
	require.NoError(t, b.WriteFile(path))

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	res, err := db.LookupString("abcd")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, ResultPattern, res.Kind)
	assert.Len(t, res.PatternIDs, 2)
}

func TestExactStringPrecedesPattern(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddLiteral("sub.example.com", mmdbtype.String("exact")))
	require.NoError(t, b.AddGlob("*.example.com", mmdbtype.String("pattern")))
	path := filepath.Join(t.TempDir(), "precedence.iocdb")
	require.NoError(t, b.WriteFile(path))

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	res, err := db.LookupString("sub.example.com")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, ResultExactString, res.Kind)
	assert.Equal(t, mmdbtype.String("exact"), res.Data)
}

func TestDataValueDeduplicationRoundTrip(t *testing.T) {
	shared := mmdbtype.Map{"tier": mmdbtype.String("known-bad"), "score": mmdbtype.Uint32(90)}
	b := NewBuilder()
	require.NoError(t, b.AddIP("203.0.113.0/24", shared))
	require.NoError(t, b.AddLiteral("shared.example.com", shared))
	path := filepath.Join(t.TempDir(), "dedup.iocdb")
	require.NoError(t, b.WriteFile(path))

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	ipRes, err := db.Lookup(netip.MustParseAddr("203.0.113.5"))
	require.NoError(t, err)
	litRes, err := db.LookupString("shared.example.com")
	require.NoError(t, err)
	assert.Equal(t, ipRes.Data, litRes.Data)
}

func TestNetworksEnumeration(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddIP("198.51.100.0/24", mmdbtype.String("block")))
	path := filepath.Join(t.TempDir(), "networks.iocdb")
	require.NoError(t, b.WriteFile(path))

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	nets, err := db.Networks()
	require.NoError(t, err)
	require.Len(t, nets, 1)
	assert.Equal(t, 24, nets[0].Prefix.Bits())
	assert.True(t, nets[0].Prefix.Contains(netip.MustParseAddr("198.51.100.42")))
}

func TestOpenRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.iocdb")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.iocdb"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestValueAsHelper(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddLiteral("typed.example.com", mmdbtype.Uint32(42)))
	path := filepath.Join(t.TempDir(), "typed.iocdb")
	require.NoError(t, b.WriteFile(path))

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	res, err := db.LookupString("typed.example.com")
	require.NoError(t, err)
	v, ok := ValueAs[mmdbtype.Uint32](res.Data)
	require.True(t, ok)
	assert.Equal(t, mmdbtype.Uint32(42), v)
}

func TestValidateStrictCoversPatternTable(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddIP("10.0.0.0/8", mmdbtype.String("v")))
	require.NoError(t, b.AddLiteral("bad.example.com", mmdbtype.String("v")))
	require.NoError(t, b.AddGlob("*.evil.example.com", mmdbtype.String("v")))
	path := filepath.Join(t.TempDir(), "validate.iocdb")
	require.NoError(t, b.WriteFile(path))

	db, err := OpenTrusted(path)
	require.NoError(t, err)
	defer db.Close()

	report := db.Validate(ValidationStrict)
	assert.False(t, report.HasErrors(), "strict validation findings: %v", report.Errors)
	assert.Equal(t, 1, report.Stats["ip_entries"])
	assert.Equal(t, 1, report.Stats["literal_entries"])
	assert.Equal(t, 1, report.Stats["pattern_entries"])
}
