package replication

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns at most n bytes per Read so records get split across
// reads.
type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func TestLineReader_MultipleRecordsPerRead(t *testing.T) {
	t.Parallel()

	reader := NewLineReader(strings.NewReader("PING 1\nPING 2\n"))

	line, err := reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING 1", line)

	line, err = reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING 2", line)

	_, err = reader.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReader_RecordSplitAcrossReads(t *testing.T) {
	t.Parallel()

	src := "RDATA events 57 {\"a\": 1}\nPING 2\n"
	reader := NewLineReader(&chunkReader{r: strings.NewReader(src), n: 3})

	line, err := reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `RDATA events 57 {"a": 1}`, line)

	line, err = reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING 2", line)
}

func TestLineReader_CarriageReturnsTolerated(t *testing.T) {
	t.Parallel()

	reader := NewLineReader(strings.NewReader("SERVER test\r\nPING 1\r\n"))

	line, err := reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "SERVER test", line)

	line, err = reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING 1", line)
}

func TestLineReader_EmptyLinesDiscarded(t *testing.T) {
	t.Parallel()

	reader := NewLineReader(strings.NewReader("\n\r\nPING 1\n\n"))

	line, err := reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING 1", line)

	_, err = reader.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReader_PartialFinalRecordIsAnError(t *testing.T) {
	t.Parallel()

	reader := NewLineReader(strings.NewReader("PING 1\nRDATA events 5"))

	line, err := reader.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING 1", line)

	_, err = reader.ReadLine()
	assert.Error(t, err, "an unterminated frame must not be delivered")
}
