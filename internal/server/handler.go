package server

import (
	"io"
	"net/http"

	"firehose-ingest/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler 는 운영용 HTTP 엔드포인트를 제공한다.
// ingest 데이터 경로와는 무관하며, 이 서버가 죽어도 수집은 계속된다.
type Handler struct {
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

// NewHandler 는 전용 registry 를 만들고 카운터를 등록한다.
// 기본(global) registry 를 쓰지 않으므로 테스트에서 여러 번 만들어도 충돌하지 않는다.
func NewHandler(m *metrics.Metrics, namespace string) (*Handler, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg, namespace); err != nil {
		return nil, err
	}
	return &Handler{metrics: m, registry: reg}, nil
}

// Routes
//
// 엔드포인트:
//   - /health  : systemd / 로드밸런서 health check. 항상 "ok"
//   - /metrics : Prometheus exposition format
//   - /status  : 사람이 읽는 key=value 덤프 (curl 로 바로 확인)
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", h.HandleStatus)
	return mux
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// HandleStatus
//
// ingest 상태 카운터를 그대로 출력한다.
// Prometheus 없이 장애 원인을 볼 때 쓴다.
func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}
