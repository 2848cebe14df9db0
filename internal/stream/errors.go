// internal/stream/errors.go
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Kind 는 전송 오류의 구체적인 원인이다.
type Kind int

const (
	KindUnknown     Kind = iota
	KindConnection       // reset, refused, DNS, timeout
	KindTruncated        // chunk 중간 절단 (unexpected EOF), gzip body 손상
	KindTLS              // TLS 세션 비정상 종료
	KindStreamEnded      // 서버가 body 를 정상 종료
	KindRateLimited      // 420 / 429
	KindUnavailable      // 5xx
	KindDisconnect       // 서버 disconnect notice (재연결 가능 코드)
	KindAuth             // 401 / 403 / token revoked
	KindBadParams        // 400 / 404 / 406 / 413 / 416 / 422, 빈 filter
	KindProtocol         // 예상하지 못한 status code
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindConnection:  "connection",
	KindTruncated:   "truncated",
	KindTLS:         "tls",
	KindStreamEnded: "stream_ended",
	KindRateLimited: "rate_limited",
	KindUnavailable: "unavailable",
	KindDisconnect:  "disconnect",
	KindAuth:        "auth",
	KindBadParams:   "bad_params",
	KindProtocol:    "protocol",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Class 는 Supervisor 가 내리는 결정이다.
type Class int

const (
	// ClassRecoverable: 세션을 버리고 즉시 다시 연다.
	ClassRecoverable Class = iota + 1
	// ClassFatal: 프로세스를 진단 메시지와 함께 종료한다.
	ClassFatal
	// ClassShutdown: graceful 종료 요청 (context 취소).
	ClassShutdown
)

func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassFatal:
		return "fatal"
	case ClassShutdown:
		return "shutdown"
	}
	return "unclassified"
}

// Class 는 Kind 별 정책이다.
// 인증/파라미터 문제는 재연결해도 해결되지 않으므로 fatal.
func (k Kind) Class() Class {
	switch k {
	case KindConnection, KindTruncated, KindTLS, KindStreamEnded,
		KindRateLimited, KindUnavailable, KindDisconnect:
		return ClassRecoverable
	}
	return ClassFatal
}

// TransportError 는 Subscription 이 반환하는 연결 수준 오류이다.
type TransportError struct {
	Kind       Kind
	StatusCode int // HTTP status (없으면 0)
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("stream %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("stream %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Class 는 e.Kind.Class() 와 같다.
func (e *TransportError) Class() Class { return e.Kind.Class() }

// RateLimited 는 재연결 전에 backoff 대기가 필요한 오류인지 반환한다.
func (e *TransportError) RateLimited() bool {
	return e.Kind == KindRateLimited || (e.Kind == KindUnavailable && e.StatusCode == http.StatusServiceUnavailable)
}

// ErrMalformedRecord 는 JSON object 로 디코딩할 수 없는 라인이다.
// 전송 오류가 아니며 세션은 해당 라인만 건너뛴다.
var ErrMalformedRecord = errors.New("malformed record")

// ErrEmptyFilter 는 filter mode 인데 track / locations 가 모두 비어 있는 경우.
var ErrEmptyFilter = errors.New("filter mode requires at least one track or location entry")

// Classify
//
// 세션이 끝난 원인을 Recoverable / Fatal / Shutdown 으로 분류한다.
// 예전처럼 "잡히는 예외 타입" 에 따라 우연히 정해지지 않도록,
// 모르는 오류는 모두 Fatal 로 본다.
//
//   - nil (subscription 이 오류 없이 반환) → Recoverable
//   - context.Canceled                  → Shutdown
//   - *TransportError                   → Kind 정책
//   - 그 외                              → Fatal
func Classify(err error) Class {
	if err == nil {
		return ClassRecoverable
	}
	if errors.Is(err, context.Canceled) {
		return ClassShutdown
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Class()
	}
	return ClassFatal
}

// StatusKind 는 HTTP 응답 코드를 Kind 로 바꾼다.
func StatusKind(code int) Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusBadRequest, code == http.StatusNotFound,
		code == http.StatusNotAcceptable, code == http.StatusRequestEntityTooLarge,
		code == http.StatusRequestedRangeNotSatisfiable, code == http.StatusUnprocessableEntity:
		return KindBadParams
	case code == 420, code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindUnavailable
	}
	return KindProtocol
}

// readErrorKind 는 body 읽기 중 발생한 오류를 분류한다.
// body 읽기 실패는 전부 연결 수준 문제이므로 기본값은 KindConnection.
func readErrorKind(err error) Kind {
	switch {
	case errors.Is(err, io.EOF):
		return KindStreamEnded
	case errors.Is(err, io.ErrUnexpectedEOF):
		return KindTruncated
	case errors.Is(err, gzip.ErrChecksum), errors.Is(err, gzip.ErrHeader):
		return KindTruncated
	case isTLSError(err):
		return KindTLS
	}
	// ECONNRESET, EPIPE, timeout 등 net.Error 계열
	return KindConnection
}

func isTLSError(err error) bool {
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return true
	}
	var rh tls.RecordHeaderError
	if errors.As(err, &rh) {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}

func wrapRead(err error) error {
	return &TransportError{Kind: readErrorKind(err), Err: err}
}
