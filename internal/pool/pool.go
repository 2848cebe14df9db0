package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// 스트림은 초당 수십~수백 건의 레코드를 밀어 넣고,
// 레코드마다 JSON 라인 인코딩 버퍼가 필요하다.
// 재연결 시에는 gzip body reader 를 새로 만들어야 한다.
//
// 아래 Pool 들은 할당을 줄이고 GC 를 안정화하기 위한 것.
// ---------------------------------------------------------------

var (
	// LinePool:
	//   - 레코드 1건을 JSON + CRLF 로 인코딩하는 임시 버퍼
	//   - 초기 용량 8KB (트윗 1건은 대부분 여기에 들어감)
	//   - 너무 커진 버퍼는 PutLine 에서 버린다
	LinePool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 8*1024))
		},
	}

	// GzipReaderPool:
	//   - gzip 응답 body 를 푸는 reader 재사용
	//   - zero value reader 이므로 반드시 Reset(body) 후 사용
	GzipReaderPool = sync.Pool{
		New: func() any { return new(gzip.Reader) },
	}
)

// Pool 에 되돌려줄 최대 라인 버퍼 용량.
// 비정상적으로 큰 레코드 한 건 때문에 메모리를 계속 잡고 있지 않도록 한다.
const MaxLineCap = 1 * 1024 * 1024 // 1MB

// GetLine 은 비어 있는 라인 버퍼를 꺼낸다.
func GetLine() *bytes.Buffer {
	buf := LinePool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutLine:
//   - 1MB 이하이면 풀에 재사용
//   - 그보다 크면 반환하지 않고 GC 에 맡긴다
func PutLine(buf *bytes.Buffer) {
	if buf.Cap() <= MaxLineCap {
		buf.Reset()
		LinePool.Put(buf)
	}
}

// PutGzipReader 는 사용이 끝난 gzip reader 를 닫고 풀에 반환한다.
func PutGzipReader(zr *gzip.Reader) {
	_ = zr.Close()
	GzipReaderPool.Put(zr)
}
