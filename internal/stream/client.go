// internal/stream/client.go
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"firehose-ingest/internal/config"
	"firehose-ingest/internal/model"
	"firehose-ingest/internal/pool"

	"github.com/dghubble/oauth1"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Dialer 는 push source 에 대한 구독 capability 이다.
// 세션은 특정 전송 라이브러리의 클래스 계층에 묶이지 않고 이 인터페이스만 사용한다.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Subscription, error)
}

// Subscription 은 하나의 연결 수명이다.
//
// Recv 는 레코드가 도착하거나, 연결이 끊기거나, 오류가 날 때까지 block 된다.
// 반환 오류는 *TransportError 이거나 ErrMalformedRecord 를 감싼 오류이다.
// ctx 가 취소되면 body 가 닫히면서 Recv 가 풀린다.
type Subscription interface {
	Recv() (model.Record, error)
	Close() error
}

// Client 는 OAuth1 서명된 HTTP 스트리밍 Dialer 이다.
//
// http.Client 에는 전체 Timeout 을 두지 않는다. 스트림은 끝나지 않는 응답이며,
// 연결 이상은 transport 계층의 오류로 드러난다.
type Client struct {
	hc        *http.Client
	sampleURL string
	filterURL string
	gzip      bool
	userAgent string
}

// NewClient 는 설정의 consumer / access token 으로 서명하는 Client 를 만든다.
func NewClient(cfg config.Config) *Client {
	oc := oauth1.NewConfig(cfg.AppKey, cfg.AppSecret)
	token := oauth1.NewToken(cfg.OAuthToken, cfg.OAuthSecret)

	return NewClientWithHTTP(
		oc.Client(oauth1.NoContext, token),
		cfg.SampleURL,
		cfg.FilterURL,
		cfg.StreamGzip,
		cfg.ServiceName,
	)
}

// NewClientWithHTTP 는 임의의 http.Client 로 Client 를 만든다. (테스트용 endpoint 포함)
func NewClientWithHTTP(hc *http.Client, sampleURL, filterURL string, gzipBody bool, userAgent string) *Client {
	return &Client{
		hc:        hc,
		sampleURL: sampleURL,
		filterURL: filterURL,
		gzip:      gzipBody,
		userAgent: userAgent,
	}
}

// Dial 은 구독 요청을 보내고 200 응답이면 Subscription 을 반환한다.
//
//   - sample: GET  sampleURL?stall_warnings=true
//   - filter: POST filterURL (form: track, locations, stall_warnings)
//
// 200 이 아니면 status code 로 분류한 *TransportError.
func (c *Client) Dial(ctx context.Context, p Params) (Subscription, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, p)
	if err != nil {
		return nil, &TransportError{Kind: KindBadParams, Err: err}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Kind: readErrorKind(err), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		// 진단용으로 body 앞부분만 읽는다.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &TransportError{
			Kind:       StatusKind(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}

	sub := &httpSubscription{body: resp.Body}

	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr := pool.GzipReaderPool.Get().(*gzip.Reader)
		if err := zr.Reset(resp.Body); err != nil {
			pool.GzipReaderPool.Put(zr)
			_ = resp.Body.Close()
			return nil, wrapRead(err)
		}
		sub.zr = zr
		r = zr
	}
	sub.r = bufio.NewReaderSize(r, 64*1024)

	return sub, nil
}

func (c *Client) newRequest(ctx context.Context, p Params) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	values := p.Values()

	switch p.Mode {
	case ModeFilter:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.filterURL, strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.sampleURL+"?"+values.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}

	if c.gzip {
		// 직접 지정하면 net/http 가 자동으로 풀지 않으므로 Dial 에서 gzip reader 를 씌운다.
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// httpSubscription 은 줄 단위(\r\n) JSON 스트림을 읽는다.
type httpSubscription struct {
	body   io.ReadCloser
	zr     *gzip.Reader
	r      *bufio.Reader
	closed bool
}

// Recv 는 다음 레코드를 반환한다.
//   - 빈 줄(keep-alive)은 건너뛴다
//   - JSON object 가 아닌 라인은 ErrMalformedRecord 로 감싸 반환 (세션은 계속)
//   - body 오류는 *TransportError
func (s *httpSubscription) Recv() (model.Record, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				// 줄 끝 없이 끊김 → chunk 절단
				err = io.ErrUnexpectedEOF
			}
			return nil, wrapRead(err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		rec, err := decodeRecord(line)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// Close 는 응답 body 를 닫고 gzip reader 를 풀에 반환한다.
func (s *httpSubscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.body.Close()
	if s.zr != nil {
		pool.PutGzipReader(s.zr)
		s.zr = nil
	}
	return err
}

// decodeRecord 는 한 라인을 Record 로 디코딩한다.
// UseNumber 로 64bit id 의 정밀도를 유지한다.
func decodeRecord(line []byte) (model.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var rec model.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedRecord)
	}
	return rec, nil
}
