package worker

import (
	"compress/bzip2"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"firehose-ingest/internal/metrics"
	"firehose-ingest/internal/model"
	"firehose-ingest/internal/stream"
	"firehose-ingest/internal/writer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hour6 = time.Date(2021, 3, 15, 6, 0, 0, 0, time.UTC)

type dirs struct {
	working string
	archive string
}

func newTestWriter(t *testing.T, m *metrics.Metrics) (*writer.Writer, dirs) {
	t.Helper()
	root := t.TempDir()
	d := dirs{
		working: filepath.Join(root, "working"),
		archive: filepath.Join(root, "archive"),
	}
	w, err := writer.New(d.working, d.archive, "data", writer.WithMetrics(m), writer.WithCompressionLevel(1))
	require.NoError(t, err)
	return w, d
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	raw, err := io.ReadAll(bzip2.NewReader(f))
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(raw), "\r\n"), "\r\n")
}

func TestSessionRollsOnEventTime(t *testing.T) {
	m := metrics.New()
	w, d := newTestWriter(t, m)
	require.NoError(t, w.Open(hour6))

	sub := &fakeSub{steps: []step{
		{rec: tweet("Mon Mar 15 06:59:59 +0000 2021", 1)},
		{rec: tweet("Mon Mar 15 07:00:00 +0000 2021", 2)},
		{rec: tweet("Mon Mar 15 07:30:00 +0000 2021", 3)},
	}}
	dl := &fakeDialer{script: []dial{{sub: sub}}}

	sess := NewSession(1, w, dl, stream.Params{}, m)
	err := sess.Run(context.Background())
	assert.Equal(t, stream.ClassRecoverable, stream.Classify(err))
	assert.True(t, sub.isClosed())
	assert.EqualValues(t, 3, sess.Delivered())

	require.NoError(t, w.Close(false))

	archived := readLines(t, filepath.Join(d.archive, "data-21031506.json.bz2"))
	require.Len(t, archived, 1)
	assert.JSONEq(t, `{"created_at":"Mon Mar 15 06:59:59 +0000 2021","id":1}`, archived[0])

	current := readLines(t, filepath.Join(d.working, "data-21031507.json.bz2"))
	require.Len(t, current, 2)
	assert.Contains(t, current[0], `"id":2`)
	assert.Contains(t, current[1], `"id":3`)

	assert.EqualValues(t, 1, atomic.LoadInt64(&m.RolloversTotal))
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.SessionsStartedTotal))
}

func TestSessionWritesRecordsWithoutEventTime(t *testing.T) {
	m := metrics.New()
	w, d := newTestWriter(t, m)
	require.NoError(t, w.Open(hour6))

	sub := &fakeSub{steps: []step{
		{rec: model.Record{"delete": map[string]any{"status": map[string]any{"id": 1}}}},
		{err: stream.ErrMalformedRecord},
		{rec: model.Record{"created_at": "garbage", "id": 2}},
		{rec: model.Record{"limit": map[string]any{"track": 42}}},
	}}
	dl := &fakeDialer{script: []dial{{sub: sub}}}

	err := NewSession(1, w, dl, stream.Params{}, m).Run(context.Background())
	assert.Equal(t, stream.ClassRecoverable, stream.Classify(err))
	require.NoError(t, w.Close(false))

	lines := readLines(t, filepath.Join(d.working, "data-21031506.json.bz2"))
	assert.Len(t, lines, 3)

	assert.EqualValues(t, 1, atomic.LoadInt64(&m.RecordsMalformedTotal))
	assert.EqualValues(t, 3, atomic.LoadInt64(&m.RecordsWithoutEventTimeTotal))
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.LimitNoticesTotal))
	assert.EqualValues(t, 42, atomic.LoadInt64(&m.LimitUndelivered))
}

func TestSessionDisconnectNoticeEndsSession(t *testing.T) {
	m := metrics.New()
	w, d := newTestWriter(t, m)
	require.NoError(t, w.Open(hour6))

	sub := &fakeSub{steps: []step{
		{rec: model.Record{"disconnect": map[string]any{"code": 4, "stream_name": "sample", "reason": "duplicate"}}},
		{rec: tweet("Mon Mar 15 06:10:00 +0000 2021", 1)},
	}}
	dl := &fakeDialer{script: []dial{{sub: sub}}}

	sess := NewSession(1, w, dl, stream.Params{}, m)
	err := sess.Run(context.Background())

	var te *stream.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, stream.KindDisconnect, te.Kind)
	assert.Equal(t, stream.ClassRecoverable, stream.Classify(err))
	assert.EqualValues(t, 1, sess.Delivered(), "notice itself is archived, nothing after it")
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.DisconnectNoticesTotal))

	require.NoError(t, w.Close(false))
	assert.Len(t, readLines(t, filepath.Join(d.working, "data-21031506.json.bz2")), 1)
}

func TestSessionDialErrorReturned(t *testing.T) {
	m := metrics.New()
	w, _ := newTestWriter(t, m)
	require.NoError(t, w.Open(hour6))

	dl := &fakeDialer{script: []dial{{err: &stream.TransportError{Kind: stream.KindAuth, StatusCode: 401}}}}
	err := NewSession(1, w, dl, stream.Params{}, m).Run(context.Background())

	assert.Equal(t, stream.ClassFatal, stream.Classify(err))
	assert.EqualValues(t, 0, atomic.LoadInt64(&m.SessionsStartedTotal))
	require.NoError(t, w.Close(false))
}

func TestSessionWriteErrorIsFatal(t *testing.T) {
	m := metrics.New()
	w, _ := newTestWriter(t, m)
	// 파티션을 열지 않은 채로 레코드를 받으면 Append 가 실패한다.

	sub := &fakeSub{steps: []step{{rec: model.Record{"id": 1}}}}
	dl := &fakeDialer{script: []dial{{sub: sub}}}

	err := NewSession(1, w, dl, stream.Params{}, m).Run(context.Background())
	var we *writer.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, stream.ClassFatal, classify(err))
}
