package writer

import (
	"compress/bzip2"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"firehose-ingest/internal/metrics"
	"firehose-ingest/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hour6 = time.Date(2021, 3, 15, 6, 0, 0, 0, time.UTC)

func newTestWriter(t *testing.T, opts ...Option) (*Writer, string, string) {
	t.Helper()
	root := t.TempDir()
	working := filepath.Join(root, "working")
	archive := filepath.Join(root, "archive")

	w, err := New(working, archive, "data", opts...)
	require.NoError(t, err)
	return w, working, archive
}

// readLines 는 bzip2 파일(여러 stream 연결 포함)을 풀어서 CRLF 단위로 나눈다.
func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	raw, err := io.ReadAll(bzip2.NewReader(f))
	require.NoError(t, err)

	s := string(raw)
	require.True(t, strings.HasSuffix(s, "\r\n"), "file must end with CRLF")
	return strings.Split(strings.TrimSuffix(s, "\r\n"), "\r\n")
}

func TestWriterRoundTrip(t *testing.T) {
	m := metrics.New()
	w, working, _ := newTestWriter(t, WithMetrics(m), WithCompressionLevel(1))

	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Append(model.Record{"id": 1, "text": "<b>a & b</b>"}))
	require.NoError(t, w.Append(model.Record{"id": 2}))
	require.NoError(t, w.Close(false))

	lines := readLines(t, filepath.Join(working, "data-21031506.json.bz2"))
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":1,"text":"<b>a & b</b>"}`, lines[0])
	assert.Contains(t, lines[0], "<b>a & b</b>")
	assert.JSONEq(t, `{"id":2}`, lines[1])

	assert.EqualValues(t, 2, atomic.LoadInt64(&m.RecordsWrittenTotal))
	assert.Greater(t, atomic.LoadInt64(&m.BytesWrittenTotal), int64(0))
	assert.Equal(t, hour6.Unix(), atomic.LoadInt64(&m.CurrentPartitionUnix))
}

func TestWriterAppendsOnReopen(t *testing.T) {
	w, working, archive := newTestWriter(t)

	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Append(model.Record{"n": "first"}))
	require.NoError(t, w.Close(false))

	// 같은 hour 에 재시작
	w2, err := New(working, archive, "data")
	require.NoError(t, err)
	require.NoError(t, w2.Open(hour6.Add(25*time.Minute)))
	assert.True(t, w2.CurrentHour().Equal(hour6))
	require.NoError(t, w2.Append(model.Record{"n": "second"}))
	require.NoError(t, w2.Close(false))

	lines := readLines(t, w2.WorkingPath(hour6))
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"n":"first"}`, lines[0])
	assert.JSONEq(t, `{"n":"second"}`, lines[1])
}

func TestWriterRollArchives(t *testing.T) {
	m := metrics.New()
	var archived []string
	w, working, archive := newTestWriter(t,
		WithMetrics(m),
		WithOnArchive(func(path string, hour time.Time) {
			archived = append(archived, path)
			assert.True(t, hour.Equal(hour6))
		}),
	)

	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Append(model.Record{"id": 1}))
	require.NoError(t, w.RollTo(hour6.Add(time.Hour), true))

	assert.NoFileExists(t, filepath.Join(working, "data-21031506.json.bz2"))
	assert.FileExists(t, filepath.Join(archive, "data-21031506.json.bz2"))
	assert.FileExists(t, filepath.Join(working, "data-21031507.json.bz2"))
	assert.Equal(t, []string{filepath.Join(archive, "data-21031506.json.bz2")}, archived)

	lines := readLines(t, filepath.Join(archive, "data-21031506.json.bz2"))
	assert.Equal(t, []string{`{"id":1}`}, lines)

	assert.EqualValues(t, 1, atomic.LoadInt64(&m.RolloversTotal))
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.PartitionsArchivedTotal))
	require.NoError(t, w.Close(false))
}

func TestWriterRollWithoutMove(t *testing.T) {
	w, working, archive := newTestWriter(t)

	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Append(model.Record{"id": 1}))
	require.NoError(t, w.RollTo(hour6.Add(time.Hour), false))
	require.NoError(t, w.Close(false))

	assert.FileExists(t, filepath.Join(working, "data-21031506.json.bz2"))
	assert.NoDirExists(t, archive)
}

func TestWriterRedundantRollIsNoop(t *testing.T) {
	w, working, _ := newTestWriter(t)

	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Append(model.Record{"id": 1}))

	require.NoError(t, w.RollTo(hour6.Add(30*time.Minute), true))
	require.NoError(t, w.RollTo(hour6.Add(-time.Hour), true))
	assert.True(t, w.CurrentHour().Equal(hour6))

	require.NoError(t, w.Append(model.Record{"id": 2}))
	require.NoError(t, w.Close(false))

	lines := readLines(t, filepath.Join(working, "data-21031506.json.bz2"))
	assert.Len(t, lines, 2)
}

func TestWriterOpenAnotherHourWhileOpen(t *testing.T) {
	w, _, _ := newTestWriter(t)

	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Open(hour6))
	assert.Error(t, w.Open(hour6.Add(time.Hour)))
	require.NoError(t, w.Close(false))
}

func TestWriterAppendWithoutPartition(t *testing.T) {
	w, _, _ := newTestWriter(t)

	err := w.Append(model.Record{"id": 1})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, w.IsOpen())
	assert.True(t, w.CurrentHour().IsZero())
}

func TestWriterStorageInitError(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := New(filepath.Join(blocker, "working"), filepath.Join(root, "archive"), "data")
	var se *StorageInitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, filepath.Join(blocker, "working"), se.Dir)
}

func TestWriterSweepStale(t *testing.T) {
	w, working, archive := newTestWriter(t)

	// 04 시, 06 시 파티션이 working 에 남아 있는 상황
	for _, h := range []time.Time{hour6.Add(-2 * time.Hour), hour6} {
		require.NoError(t, w.Open(h))
		require.NoError(t, w.Append(model.Record{"h": h.Hour()}))
		require.NoError(t, w.Close(false))
	}
	require.NoError(t, os.WriteFile(filepath.Join(working, "notes.txt"), []byte("keep"), 0o644))

	moved, err := w.SweepStale(hour6.Add(10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(archive, "data-21031504.json.bz2")}, moved)

	assert.FileExists(t, filepath.Join(working, "data-21031506.json.bz2"))
	assert.FileExists(t, filepath.Join(working, "notes.txt"))
	assert.NoFileExists(t, filepath.Join(working, "data-21031504.json.bz2"))
}

func TestWriterArchiveCollisionMerges(t *testing.T) {
	w, working, archive := newTestWriter(t)

	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Append(model.Record{"n": 1}))
	require.NoError(t, w.Close(true))

	// 같은 hour 가 다시 working 에 생기고 archive 되는 경우
	require.NoError(t, w.Open(hour6))
	require.NoError(t, w.Append(model.Record{"n": 2}))
	require.NoError(t, w.Close(true))

	lines := readLines(t, filepath.Join(archive, "data-21031506.json.bz2"))
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, lines)
	assert.NoFileExists(t, filepath.Join(working, "data-21031506.json.bz2"))

	entries, err := os.ReadDir(archive)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "merge temp file must not remain")
}

func TestEncodeLine(t *testing.T) {
	buf, err := encodeLine(model.Record{"text": "a<b>&c"})
	require.NoError(t, err)
	defer releaseLine(buf)

	assert.Equal(t, "{\"text\":\"a<b>&c\"}\r\n", buf.String())
}
