package iostat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimer(t *testing.T) {
	var st IOStats

	stop := st.Read.Timer()
	stop()
	stop = st.Read.Timer()
	stop()

	assert.Equal(t, uint64(2), st.Read.Count)
	assert.True(t, st.Read.Time >= 0)
}

func TestMerge(t *testing.T) {
	var a, b IOStats
	a.Write.Count = 3
	a.Write.Time = 30
	b.Write.Count = 2
	b.Write.Time = 5
	b.CreateLink.Count = 1

	a.Merge(&b)

	assert.Equal(t, uint64(5), a.Write.Count)
	assert.Equal(t, int64(35), int64(a.Write.Time))
	assert.Equal(t, uint64(1), a.CreateLink.Count)
}

func TestReportSkipsUnused(t *testing.T) {
	var st IOStats
	assert.Empty(t, st.Report())

	st.CopyFile.Count = 1
	rows := st.Report()
	assert.Len(t, rows, 1)
	assert.Contains(t, rows[0], "CopyFile")
}
