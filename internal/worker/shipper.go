// internal/worker/shipper.go
package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"firehose-ingest/internal/config"
	"firehose-ingest/internal/logger"
	"firehose-ingest/internal/metrics"
	"firehose-ingest/internal/model"

	json "github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"
)

// fileUploader 는 Shipper 가 쓰는 업로드 기능이다. (*S3Uploader 가 구현)
type fileUploader interface {
	UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// Shipper 는 archive 디렉토리의 완료된 파티션을 S3 로 복제한다.
//
//   - archive 디렉토리가 원본(source of truth)이다. 업로드 후에도 파일은 남는다.
//   - 업로드 완료는 "<file>.meta.json" marker 로 표시한다.
//   - marker 가 없는 파일은 아직 pending 이며, 재시작해도 스캔으로 복원된다.
//   - 파일명 = <prefix>-<YYMMDDHH> 이므로 문자열 정렬 = 시간 정렬.
//     가장 오래된 파티션부터 올린다.
//
// Writer 의 archive 콜백에서 Notify 가 호출되면 바로 처리하고,
// 실패한 파일은 주기(interval)마다 다시 시도한다.
type Shipper struct {
	dir       string
	prefix    string
	bucket    string
	keyPrefix string

	uploader fileUploader
	metrics  *metrics.Metrics

	notify   chan struct{}
	interval time.Duration
}

// NewShipper 는 Shipper 를 만든다.
func NewShipper(cfg config.Config, up fileUploader, m *metrics.Metrics) *Shipper {
	return &Shipper{
		dir:       cfg.ArchiveDir,
		prefix:    cfg.Prefix,
		bucket:    cfg.ArchiveBucket,
		keyPrefix: cfg.ArchiveKeyPrefix,
		uploader:  up,
		metrics:   m,
		notify:    make(chan struct{}, 1),
		interval:  30 * time.Second,
	}
}

// Notify 는 새 archive 파일이 생겼음을 알린다. 절대 block 되지 않는다.
// (Writer 콜백 시그니처와 맞추기 위해 path / hour 를 받지만 스캔으로 처리한다)
func (s *Shipper) Notify(path string, hour time.Time) {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Serve 는 suture.Service 구현이다.
func (s *Shipper) Serve(ctx context.Context) error {
	s.removeOrphanMarkers()
	s.drain(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *Shipper) String() string { return "archive-shipper" }

// drain 은 pending 파일을 오래된 순으로 한 번씩 시도한다.
// 실패한 파일은 건너뛰고 다음 파일로 넘어간다. (권한 오류 등으로 계속 실패하는
// 파일 하나가 뒤의 파티션을 막지 않도록) 실패분은 다음 notify / tick 에서 다시 시도.
func (s *Shipper) drain(ctx context.Context) {
	names := s.pending()
	atomic.StoreInt64(&s.metrics.ShipperPendingFiles, int64(len(names)))

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.ship(ctx, name)
	}
}

// ProcessOneCtx 는 가장 오래된 pending 파일 1개를 올린다.
// 올렸으면 true, 올릴 것이 없거나 실패했으면 false.
func (s *Shipper) ProcessOneCtx(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	names := s.pending()
	atomic.StoreInt64(&s.metrics.ShipperPendingFiles, int64(len(names)))
	if len(names) == 0 {
		return false
	}
	return s.ship(ctx, names[0])
}

// ship 은 archive 파일 하나를 올리고 marker 를 남긴다.
func (s *Shipper) ship(ctx context.Context, name string) bool {
	hour, _ := model.ParsePartitionName(s.prefix, name)
	dataPath := filepath.Join(s.dir, name)
	key := BuildS3Key(s.keyPrefix, hour, name)

	f, err := os.Open(dataPath)
	if err != nil {
		zlog.Warn().Err(err).Str("file", name).Msg("archive open failed")
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		zlog.Warn().Err(err).Str("file", name).Msg("archive stat failed")
		return false
	}

	if err := s.uploader.UploadFileWithRetryCtx(ctx, key, f, info.Size()); err != nil {
		zlog.Warn().Err(err).Str("key", key).Msg("archive upload failed")
		return false
	}

	meta, _ := json.Marshal(shipMarker{
		Bucket:    s.bucket,
		Key:       key,
		Bytes:     info.Size(),
		ShippedAt: time.Now().Unix(),
	})

	if err := os.WriteFile(markerPath(dataPath), meta, 0o644); err != nil {
		// marker 가 없으면 다음 스캔에서 같은 key 로 다시 올린다 (덮어쓰기라 무해)
		zlog.Warn().Err(err).Str("file", name).Msg("marker write failed")
		return false
	}

	atomic.AddInt64(&s.metrics.ShippedFilesTotal, 1)
	atomic.AddInt64(&s.metrics.ShipperPendingFiles, -1)
	logger.Lifecycle().Info().Str("key", key).Int64("bytes", info.Size()).Msg("archive shipped")
	return true
}

// shipMarker 는 "<file>.meta.json" 의 내용이다.
type shipMarker struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Bytes     int64  `json:"bytes"`
	ShippedAt int64  `json:"shipped_at"`
}

// pending 은 아직 올리지 않은 파티션 파일 이름을 오래된 순으로 반환한다.
//
//   - marker 가 없으면 pending
//   - marker 의 bytes 가 현재 파일 크기와 다르면 pending
//     (이미 올린 hour 가 다시 archive 되면 Writer 가 같은 파일에 이어 붙이므로
//     파일이 커진다. 같은 key 로 다시 올려 S3 사본을 덮어쓴다)
//
// 주의: os.ReadDir 는 이름순 정렬을 돌려주지만 의존하지 않고 직접 정렬한다.
func (s *Shipper) pending() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, markerSuffix) {
			continue
		}
		// 숨김 파일(merge 임시 파일 등)과 다른 prefix 는 제외
		if _, ok := model.ParsePartitionName(s.prefix, name); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if s.shippedSize(name) == info.Size() {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// shippedSize 는 marker 에 기록된 업로드 크기이다. marker 가 없거나 읽을 수 없으면 -1.
func (s *Shipper) shippedSize(name string) int64 {
	raw, err := os.ReadFile(markerPath(filepath.Join(s.dir, name)))
	if err != nil {
		return -1
	}
	var m shipMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return -1
	}
	return m.Bytes
}

// removeOrphanMarkers 는 data 파일 없이 남은 marker 를 정리한다.
// (운영자가 archive 보존 정책으로 오래된 파일을 지운 경우)
func (s *Shipper) removeOrphanMarkers() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, markerSuffix) {
			continue
		}
		dataName := strings.TrimSuffix(name, markerSuffix)
		if _, err := os.Stat(filepath.Join(s.dir, dataName)); os.IsNotExist(err) {
			_ = os.Remove(filepath.Join(s.dir, name))
		}
	}
}
