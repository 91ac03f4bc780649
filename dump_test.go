package flashfs

import (
	"bytes"
	"strings"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestDump(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)
	writeFile(t, fs, "dumped", testData("dumped", 130))
	assert.NoError(fs.Remove("dumped"))
	writeFile(t, fs, "kept\x01", testData("kept", 10))

	var out bytes.Buffer
	assert.NoError(fs.Dump(&out))
	s := out.String()
	assert.Contains(s, "page size   : 126")
	assert.Contains(s, "sector  7 @ 0x1c00")
	assert.Contains(s, "name:kept.")
	assert.Equal(8, strings.Count(s, "magic:OK"))
	assert.Equal(2, strings.Count(s, " DE "))
	assert.NotContains(s, "FATAL")
}
