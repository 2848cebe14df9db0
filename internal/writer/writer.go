// internal/writer/writer.go
package writer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"firehose-ingest/internal/eventclock"
	"firehose-ingest/internal/logger"
	"firehose-ingest/internal/metrics"
	"firehose-ingest/internal/model"

	"github.com/dsnet/compress/bzip2"
	zlog "github.com/rs/zerolog/log"
)

// Writer 는 hour 단위 파티션 파일 하나를 소유하고 레코드를 순서대로 기록한다.
//
// 동작 요약:
//   - 파티션 파일: <workingDir>/<prefix>-<YYMMDDHH>.json.bz2
//   - 같은 hour 파일이 이미 있으면 truncate 하지 않고 append (재시작 내성)
//   - hour 가 끝나면 close 후 archiveDir 로 rename (copy+delete 아님)
//
// Writer 는 단일 goroutine(세션을 돌리는 goroutine)에서만 사용한다.
// 그래서 내부에 lock 이 없다.
type Writer struct {
	workingDir string
	archiveDir string
	prefix     string
	level      int

	cur *partition

	metrics   *metrics.Metrics
	onArchive func(path string, hour time.Time)
}

// partition 은 현재 열려 있는 출력 파일 하나.
type partition struct {
	hour time.Time
	path string
	file *os.File
	bz   *bzip2.Writer
}

// Option 은 Writer 생성 옵션이다.
type Option func(*Writer)

// WithCompressionLevel 은 bzip2 압축 레벨(1~9)을 지정한다.
func WithCompressionLevel(level int) Option {
	return func(w *Writer) { w.level = level }
}

// WithMetrics 는 기록/rollover/archive 카운터를 연결한다.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithOnArchive 는 archive rename 성공 직후 호출될 콜백을 등록한다.
// 콜백은 Writer 의 goroutine 에서 동기적으로 호출되므로 오래 막으면 안 된다.
func WithOnArchive(fn func(path string, hour time.Time)) Option {
	return func(w *Writer) { w.onArchive = fn }
}

// New 는 workingDir 를 만들고(없으면 생성) 쓰기 가능한지 확인한다.
// archiveDir 는 첫 archive 시점에 만들어지므로 여기서는 요구하지 않는다.
// 실패 시 *StorageInitError.
func New(workingDir, archiveDir, prefix string, opts ...Option) (*Writer, error) {
	w := &Writer{
		workingDir: workingDir,
		archiveDir: archiveDir,
		prefix:     prefix,
		level:      bzip2.BestCompression,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}

	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, &StorageInitError{Dir: workingDir, Err: err}
	}

	// 쓰기 권한 확인: 임시 파일 생성 → 삭제
	check, err := os.CreateTemp(workingDir, ".writable-*")
	if err != nil {
		return nil, &StorageInitError{Dir: workingDir, Err: err}
	}
	name := check.Name()
	_ = check.Close()
	_ = os.Remove(name)

	return w, nil
}

// CurrentHour 는 열려 있는 파티션의 hour 를 반환한다. 없으면 zero time.
func (w *Writer) CurrentHour() time.Time {
	if w.cur == nil {
		return time.Time{}
	}
	return w.cur.hour
}

// IsOpen 은 파티션이 열려 있는지 반환한다.
func (w *Writer) IsOpen() bool {
	return w.cur != nil
}

// WorkingPath / ArchivePath 는 hour 에 해당하는 파티션 경로.
func (w *Writer) WorkingPath(hour time.Time) string {
	return filepath.Join(w.workingDir, model.PartitionName(w.prefix, hour))
}

func (w *Writer) ArchivePath(hour time.Time) string {
	return filepath.Join(w.archiveDir, model.PartitionName(w.prefix, hour))
}

// Open 은 hour 파티션을 append 모드로 연다.
//
// 같은 hour 파일이 이미 있으면(예: 같은 hour 안에서 재시작) 이어서 쓴다.
// 새 bzip2 stream 이 파일 뒤에 이어 붙으며, bzip2 도구와 compress/bzip2 는
// 여러 stream 이 연결된 파일을 하나로 풀어준다.
func (w *Writer) Open(hour time.Time) error {
	hour = eventclock.TruncateToHour(hour)

	if w.cur != nil {
		if w.cur.hour.Equal(hour) {
			return nil
		}
		return fmt.Errorf("partition %s already open", w.cur.path)
	}

	path := w.WorkingPath(hour)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &WriteError{Path: path, Op: "open", Err: err}
	}

	bz, err := bzip2.NewWriter(f, &bzip2.WriterConfig{Level: w.level})
	if err != nil {
		_ = f.Close()
		return &WriteError{Path: path, Op: "open", Err: err}
	}

	w.cur = &partition{hour: hour, path: path, file: f, bz: bz}
	atomic.StoreInt64(&w.metrics.CurrentPartitionUnix, hour.Unix())

	logger.Lifecycle().Info().
		Str("path", path).
		Time("hour", hour).
		Msg("partition opened")
	return nil
}

// Append 는 레코드를 JSON 한 줄 + CRLF 로 현재 파티션에 기록한다.
// 열린 파티션이 없거나 쓰기/압축이 실패하면 *WriteError.
func (w *Writer) Append(r model.Record) error {
	if w.cur == nil {
		return &WriteError{Path: w.workingDir, Op: "write", Err: ErrClosed}
	}

	line, err := encodeLine(r)
	if err != nil {
		return &WriteError{Path: w.cur.path, Op: "encode", Err: err}
	}
	defer releaseLine(line)

	n, err := w.cur.bz.Write(line.Bytes())
	if err != nil {
		return &WriteError{Path: w.cur.path, Op: "write", Err: err}
	}

	atomic.AddInt64(&w.metrics.RecordsWrittenTotal, 1)
	atomic.AddInt64(&w.metrics.BytesWrittenTotal, int64(n))
	return nil
}

// RollTo 는 현재 파티션을 닫고 hour 파티션을 연다.
//
//   - moveCompleted=true 이면 닫은 파일을 archiveDir 로 rename 한다.
//   - hour 가 현재 hour 와 같거나 이전이면 아무것도 하지 않는다.
//     (hour 는 단조 증가해야 하며, 늦게 도착한 레코드는 현재 파일에 기록된다)
func (w *Writer) RollTo(hour time.Time, moveCompleted bool) error {
	hour = eventclock.TruncateToHour(hour)

	if w.cur != nil {
		if !hour.After(w.cur.hour) {
			zlog.Debug().
				Time("current", w.cur.hour).
				Time("requested", hour).
				Msg("redundant roll skipped")
			return nil
		}

		prev := w.cur
		w.cur = nil
		if err := prev.close(); err != nil {
			return err
		}
		if moveCompleted {
			if err := w.archive(prev.path, prev.hour); err != nil {
				return err
			}
		}
		atomic.AddInt64(&w.metrics.RolloversTotal, 1)
	}

	return w.Open(hour)
}

// Close 는 현재 파티션을 닫는다 (graceful shutdown).
// moveCompleted=false 이면 working 에 남겨서, 같은 hour 안에 재시작하면 이어 쓰게 한다.
func (w *Writer) Close(moveCompleted bool) error {
	if w.cur == nil {
		return nil
	}
	prev := w.cur
	w.cur = nil

	if err := prev.close(); err != nil {
		return err
	}
	logger.Lifecycle().Info().Str("path", prev.path).Msg("partition closed")

	if moveCompleted {
		return w.archive(prev.path, prev.hour)
	}
	return nil
}

// SweepStale
//
// working 디렉토리에 남아 있는 이전 hour 파티션(before 보다 이전)을
// archive 로 옮긴다. 이전 프로세스가 hour 가 끝나기 전에 죽었거나
// 종료된 경우에 남는 파일들이다. 현재 열린 파티션은 건드리지 않는다.
//
// 파일명 기준으로 정렬해서 오래된 hour 부터 처리한다.
func (w *Writer) SweepStale(before time.Time) ([]string, error) {
	before = eventclock.TruncateToHour(before)

	entries, err := os.ReadDir(w.workingDir)
	if err != nil {
		return nil, &StorageInitError{Dir: w.workingDir, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var moved []string
	for _, name := range names {
		hour, ok := model.ParsePartitionName(w.prefix, name)
		if !ok || !hour.Before(before) {
			continue
		}
		src := filepath.Join(w.workingDir, name)
		if w.cur != nil && w.cur.path == src {
			continue
		}
		if err := w.archive(src, hour); err != nil {
			return moved, err
		}
		moved = append(moved, w.ArchivePath(hour))
	}
	return moved, nil
}

// archive 는 닫힌 파티션 파일을 archiveDir 로 rename 한다.
//
// rename 은 같은 파일시스템 안에서 atomic 하므로 archive 를 읽는 쪽은
// 반쯤 옮겨진 파일을 볼 수 없다. 같은 이름이 이미 archive 에 있으면
// 덮어쓰지 않고 mergeInto 로 이어 붙인다.
func (w *Writer) archive(src string, hour time.Time) error {
	if err := os.MkdirAll(w.archiveDir, 0o755); err != nil {
		return &WriteError{Path: w.archiveDir, Op: "archive", Err: err}
	}

	dst := w.ArchivePath(hour)
	if _, err := os.Stat(dst); err == nil {
		if err := mergeInto(dst, src); err != nil {
			return &WriteError{Path: dst, Op: "archive", Err: err}
		}
	} else if err := os.Rename(src, dst); err != nil {
		return &WriteError{Path: src, Op: "archive", Err: err}
	}

	atomic.AddInt64(&w.metrics.PartitionsArchivedTotal, 1)
	logger.Lifecycle().Info().
		Str("src", src).
		Str("dst", dst).
		Msg("partition archived")

	if w.onArchive != nil {
		w.onArchive(dst, hour)
	}
	return nil
}

// close 는 bzip2 stream footer 를 쓰고 fsync 후 파일을 닫는다.
// 하나라도 실패하면 첫 번째 오류를 *WriteError 로 반환한다.
func (p *partition) close() error {
	var first error
	if err := p.bz.Close(); err != nil {
		first = err
	}
	if err := p.file.Sync(); err != nil && first == nil {
		first = err
	}
	if err := p.file.Close(); err != nil && first == nil {
		first = err
	}
	if first != nil {
		return &WriteError{Path: p.path, Op: "close", Err: first}
	}
	return nil
}

// mergeInto
//
// dst 뒤에 src 를 이어 붙인 임시 파일을 archive 디렉토리에 만들고
// rename 으로 dst 를 한 번에 교체한 뒤 src 를 지운다.
// bzip2 multi-stream 이므로 단순 연결로 유효한 파일이 된다.
// 임시 파일은 '.' 으로 시작해서 archive 소비자의 glob 에 걸리지 않는다.
func mergeInto(dst, src string) error {
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".merge")

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	copyFile := func(path string) error {
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(out, in)
		return err
	}

	err = errors.Join(copyFile(dst), copyFile(src))
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
