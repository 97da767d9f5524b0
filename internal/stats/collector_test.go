package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.AddFilesCopied(1)
				c.AddBytesCopied(100)
				c.AddLinksCreated(1)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(8000), snap.FilesCopied)
	assert.Equal(t, int64(800000), snap.BytesCopied)
	assert.Equal(t, int64(8000), snap.LinksCreated)
	assert.Positive(t, int64(snap.Elapsed))
}

func TestSnapshotString(t *testing.T) {
	c := NewCollector()
	c.AddFilesCopied(2)
	c.AddBytesCopied(2048)
	c.AddBytesLinked(4096)

	s := c.Snapshot().String()
	assert.Contains(t, s, "copied=2")
	assert.Contains(t, s, "2.0 KiB")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "8.0 MiB", FormatBytes(8<<20))
	assert.Equal(t, "1.5 GiB", FormatBytes(3<<29))
}
