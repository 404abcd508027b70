package source

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestParseKind(t *testing.T) {
	for _, in := range []string{"account", "VIDEO", " comment "} {
		_, err := ParseKind(in)
		assert.NoError(t, err, in)
	}

	_, err := ParseKind("playlist")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestReaderStripsBOMAndTrimsHeader(t *testing.T) {
	in := "\ufeff用户ID , 工作表\nu1,ProjectX\n"
	r, err := NewReader(strings.NewReader(in), "utf-8", "accounts.csv")
	require.NoError(t, err)

	assert.Equal(t, []string{"用户ID", "工作表"}, r.Header())

	row, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "u1", row.Get("用户ID"))
	assert.Equal(t, "ProjectX", row.Get("account_id", "工作表"))
	assert.Equal(t, 2, row.Line)
	assert.Equal(t, "row:accounts.csv:2", row.Ref())
}

func TestReaderGB18030(t *testing.T) {
	raw := "用户ID,工作表\nu9,美食\n"
	encoded, err := simplifiedchinese.GB18030.NewEncoder().String(raw)
	require.NoError(t, err)

	r, err := NewReader(bytes.NewBufferString(encoded), "gb18030", "gb.csv")
	require.NoError(t, err)
	row, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "美食", row.Get("工作表"))
}

func TestReaderRaggedRows(t *testing.T) {
	r, err := NewReader(strings.NewReader("a,b,c\n1\n1,2,3,4\n"), "", "ragged.csv")
	require.NoError(t, err)

	row, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", row.Get("a"))
	assert.Equal(t, "", row.Get("c"))

	row, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "3", row.Get("c"))
}

func TestUnsupportedEncoding(t *testing.T) {
	_, err := NewReader(strings.NewReader("a\n"), "latin-9", "x.csv")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestRowsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "one.csv")
	second := filepath.Join(dir, "two.csv")
	require.NoError(t, os.WriteFile(first, []byte("id\na\nb\n"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("id\nc\n"), 0o644))

	var ids []string
	for row := range Valid(Rows([]string{first, second}, "utf-8"), nil) {
		ids = append(ids, row.Get("id"))
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRowsMissingFile(t *testing.T) {
	var errs int
	for _, err := range Rows([]string{filepath.Join(t.TempDir(), "nope.csv")}, "") {
		require.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)
}
