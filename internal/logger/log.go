// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"firehose-ingest/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번만 호출되는 로거 초기화 함수.
// Config 설정에 따라 '개발자용 콘솔' 또는 '운영용 JSON 로그'로 형태를 바꾼다.
//
// [주요 기능]
//
//  1. 로그 포맷 자동 전환:
//     - log_pretty=true : 색상 콘솔 출력 (로컬 디버깅용)
//     - log_pretty=false: JSON 한 줄 출력 (journald / CloudWatch 수집용)
//
//  2. 공통 필드:
//     - 모든 로그에 "service", "instance" 가 붙는다.
//
//  3. 샘플링:
//     - Debug/Info 는 log_sample_n 에 따라 N 개 중 1 개만 기록.
//     - Warn/Error 는 항상 100% 기록 (재연결/쓰기 실패 추적용).
//     - 파티션 open/archive, S3 업로드 같은 드문 lifecycle 이벤트는
//       Lifecycle() 로 기록하며 샘플링되지 않는다.
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Msg("ingest started")
func Init(cfg config.Config) {
	initWith(cfg, nil)
}

func initWith(cfg config.Config, out io.Writer) {
	base := newBase(cfg, out)
	lifecycle.Store(&base)
	zlog.Logger = sample(base, cfg.LogSampleN)

	// 표준 라이브러리 log.Printf 도 zerolog 로 흘려보낸다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 Init 과 같은 규칙으로 logger 를 만들어 반환한다.
// out 이 nil 이면 os.Stdout 을 사용한다. (테스트에서는 buffer 를 넘긴다)
func New(cfg config.Config, out io.Writer) zerolog.Logger {
	return sample(newBase(cfg, out), cfg.LogSampleN)
}

var lifecycle atomic.Pointer[zerolog.Logger]

// Lifecycle 는 샘플링하지 않는 logger 이다. Init 전에는 전역 logger 를 쓴다.
func Lifecycle() *zerolog.Logger {
	if l := lifecycle.Load(); l != nil {
		return l
	}
	return &zlog.Logger
}

func newBase(cfg config.Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	if out == nil {
		out = os.Stdout
	}

	var w io.Writer = out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()
}

func sample(base zerolog.Logger, n uint32) zerolog.Logger {
	if n > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: n},
			InfoSampler:  &zerolog.BasicSampler{N: n},
		})
	}
	return base
}
