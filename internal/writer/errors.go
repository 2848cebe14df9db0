// internal/writer/errors.go
package writer

import (
	"errors"
	"fmt"
)

// ErrClosed 는 열린 파티션 없이 Append 가 호출되었을 때 사용된다.
var ErrClosed = errors.New("no open partition")

// StorageInitError
//
// working / archive 디렉토리를 만들 수 없거나 쓸 수 없는 경우.
// 시작 단계에서만 발생하며 프로세스는 즉시 종료해야 한다.
type StorageInitError struct {
	Dir string
	Err error
}

func (e *StorageInitError) Error() string {
	return fmt.Sprintf("storage init %s: %v", e.Dir, e.Err)
}

func (e *StorageInitError) Unwrap() error { return e.Err }

// WriteError
//
// 인코딩 / 압축 스트림 / 디스크 쓰기 / archive rename 실패.
// 계속 진행하면 데이터가 조용히 유실되므로 세션과 프로세스 모두에 fatal 로 취급한다.
type WriteError struct {
	Path string
	Op   string // encode, write, open, close, archive
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
