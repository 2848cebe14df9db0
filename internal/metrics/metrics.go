package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 는 ingest 프로세스 상태를 나타내는 카운터 모음이다.
// 모든 필드는 atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// 기록(write) 지표
	// ======================

	// RecordsWrittenTotal
	// - 파티션 파일에 정상 기록된 레코드 수.
	// - 스트림이 살아 있으면 계속 증가해야 한다. 멈춰 있다면 재연결 루프를 의심.
	RecordsWrittenTotal int64

	// BytesWrittenTotal
	// - 압축 전 JSON 라인 바이트 합 (CRLF 포함).
	BytesWrittenTotal int64

	// RecordsMalformedTotal
	// - JSON 으로 디코딩하지 못해 건너뛴 라인 수.
	RecordsMalformedTotal int64

	// RecordsWithoutEventTimeTotal
	// - created_at 이 없거나 파싱 불가라서 rollover 판단 없이 기록된 레코드 수.
	// - delete / limit notice 같은 제어 메시지가 대부분이다.
	RecordsWithoutEventTimeTotal int64

	// ======================
	// 파티션 지표
	// ======================

	// RolloversTotal
	// - event time 기준 hour 경계를 넘어 새 파티션을 연 횟수.
	RolloversTotal int64

	// PartitionsArchivedTotal
	// - working → archive 로 rename 된 파티션 수 (시작 시 stale sweep 포함).
	PartitionsArchivedTotal int64

	// CurrentPartitionUnix
	// - 현재 열려 있는 파티션 hour (epoch seconds). gauge.
	CurrentPartitionUnix int64

	// ======================
	// 세션 / 전송 지표
	// ======================

	// SessionsStartedTotal
	// - Subscription 을 연 횟수 (최초 1회 + 재연결).
	SessionsStartedTotal int64

	// SessionsRecoveredTotal
	// - Recoverable 전송 오류로 세션을 버리고 다시 연 횟수.
	// - 예전에는 조용히 삼키던 오류들이라, 이 값이 유일한 가시성이다.
	SessionsRecoveredTotal int64

	// RateLimitedTotal
	// - 420/429/503 응답으로 backoff 대기를 한 횟수.
	RateLimitedTotal int64

	// LimitNoticesTotal / LimitUndelivered
	// - 서버가 보낸 limit notice 수, 그리고 마지막 notice 의 누적 미전달 건수.
	// - filter 조건이 너무 넓어서 서버가 버리고 있다는 신호.
	LimitNoticesTotal int64
	LimitUndelivered  int64

	// DisconnectNoticesTotal
	// - 서버가 연결 종료 전에 보낸 disconnect notice 수.
	DisconnectNoticesTotal int64

	// ======================
	// S3 archive mirror 지표
	// ======================

	// ShippedFilesTotal
	// - archive 파일을 S3 로 올리는 데 성공한 수.
	ShippedFilesTotal int64

	// S3PutErrorsTotal
	// - PutObject 실패 "시도" 횟수. 재시도마다 증가한다.
	S3PutErrorsTotal int64

	// ShipperPendingFiles
	// - 아직 S3 로 올라가지 않은 archive 파일 수. gauge.
	ShipperPendingFiles int64
}

func New() *Metrics {
	return &Metrics{}
}

type field struct {
	name  string
	help  string
	gauge bool
	ptr   *int64
}

func (m *Metrics) fields() []field {
	return []field{
		{"records_written_total", "Records appended to partition files.", false, &m.RecordsWrittenTotal},
		{"bytes_written_total", "Uncompressed bytes appended to partition files.", false, &m.BytesWrittenTotal},
		{"records_malformed_total", "Stream lines skipped because they were not valid JSON.", false, &m.RecordsMalformedTotal},
		{"records_without_event_time_total", "Records written without a usable event time.", false, &m.RecordsWithoutEventTimeTotal},

		{"rollovers_total", "Partition rollovers triggered by event time.", false, &m.RolloversTotal},
		{"partitions_archived_total", "Partitions renamed into the archive directory.", false, &m.PartitionsArchivedTotal},
		{"current_partition_unix", "Hour of the open partition as epoch seconds.", true, &m.CurrentPartitionUnix},

		{"sessions_started_total", "Stream subscriptions opened.", false, &m.SessionsStartedTotal},
		{"sessions_recovered_total", "Sessions discarded after a recoverable transport error.", false, &m.SessionsRecoveredTotal},
		{"rate_limited_total", "Reconnects delayed by rate limiting.", false, &m.RateLimitedTotal},
		{"limit_notices_total", "Limit notices received from the stream.", false, &m.LimitNoticesTotal},
		{"limit_undelivered", "Undelivered record count reported by the last limit notice.", true, &m.LimitUndelivered},
		{"disconnect_notices_total", "Disconnect notices received from the stream.", false, &m.DisconnectNoticesTotal},

		{"shipped_files_total", "Archive files uploaded to S3.", false, &m.ShippedFilesTotal},
		{"s3_put_errors_total", "Failed S3 PutObject attempts.", false, &m.S3PutErrorsTotal},
		{"shipper_pending_files", "Archive files waiting for upload.", true, &m.ShipperPendingFiles},
	}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	for _, f := range m.fields() {
		fmt.Fprintf(&sb, "%s=%d\n", f.name, atomic.LoadInt64(f.ptr))
	}
	return sb.String()
}

// Register 는 카운터를 Prometheus registry 에 노출한다.
// 값은 scrape 시점에 atomic 필드에서 직접 읽으므로 이중 집계가 없다.
func (m *Metrics) Register(reg prometheus.Registerer, namespace string) error {
	for _, f := range m.fields() {
		ptr := f.ptr
		read := func() float64 { return float64(atomic.LoadInt64(ptr)) }

		var c prometheus.Collector
		if f.gauge {
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      f.name,
				Help:      f.help,
			}, read)
		} else {
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      f.name,
				Help:      f.help,
			}, read)
		}
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register %s: %w", f.name, err)
		}
	}
	return nil
}
