package writer

import (
	"bytes"

	"firehose-ingest/internal/model"
	"firehose-ingest/internal/pool"

	json "github.com/goccy/go-json"
)

// lineTerminator 는 레코드 구분자이다. archive 소비자와의 호환 때문에 CRLF 고정.
const lineTerminator = "\r\n"

// encodeLine 은 레코드 1건을 "JSON 한 줄 + CRLF" 로 인코딩한다.
//
//   - goccy/go-json Encoder 사용 (encoding/json 보다 빠름)
//   - HTML escape 비활성: 트윗 본문의 <, >, & 를 원문 그대로 남긴다
//   - 반환된 버퍼는 pool 소유이므로 사용 후 releaseLine 으로 돌려줘야 한다
func encodeLine(r model.Record) (*bytes.Buffer, error) {
	buf := pool.GetLine()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		pool.PutLine(buf)
		return nil, err
	}

	// Encode 는 '\n' 을 붙이므로 CRLF 로 교체한다.
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
	buf.WriteString(lineTerminator)
	return buf, nil
}

func releaseLine(buf *bytes.Buffer) {
	pool.PutLine(buf)
}
