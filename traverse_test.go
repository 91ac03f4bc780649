package flashfs

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestTraverseNested(t *testing.T) {
	assert := assertion.New(t)
	fs, _ := newTestFS(t)
	writeFile(t, fs, "outer", testData("outer", 10))
	writeFile(t, fs, "inner", testData("inner", 10))

	var names []string
	_, err := fs.traverseAll(func(pix pageIx, h *objHdr) (visit, error) {
		if !h.live() {
			return visitContinue, nil
		}
		name := nameString(h.name)
		seen := 0
		_, err := fs.traverseAll(func(_ pageIx, o *objHdr) (visit, error) {
			if o.live() {
				seen++
			}
			return visitContinue, nil
		})
		if err != nil {
			return visitStop, err
		}
		assert.Equal(2, seen)
		// the inner walk must not clobber the outer header
		assert.Equal(name, nameString(h.name))
		names = append(names, name)
		return visitContinue, nil
	})
	assert.NoError(err)
	assert.ElementsMatch([]string{"outer", "inner"}, names)
	assert.Len(fs.travBufs, 2)
	assert.Equal(0, fs.travDepth)
}
