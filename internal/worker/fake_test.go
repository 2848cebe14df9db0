package worker

import (
	"context"
	"errors"
	"io"
	"sync"

	"firehose-ingest/internal/model"
	"firehose-ingest/internal/stream"
)

// errHold 를 스크립트에 넣으면 Recv 가 release 될 때까지 멈춘다.
var errHold = errors.New("hold")

type step struct {
	rec model.Record
	err error
}

// fakeSub 는 정해진 순서대로 레코드 / 오류를 돌려준다.
// 스크립트가 끝나면 서버가 body 를 닫은 것처럼 StreamEnded.
type fakeSub struct {
	steps   []step
	i       int
	release chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Recv() (model.Record, error) {
	if s.i >= len(s.steps) {
		return nil, &stream.TransportError{Kind: stream.KindStreamEnded, Err: io.EOF}
	}
	st := s.steps[s.i]
	s.i++
	if errors.Is(st.err, errHold) {
		<-s.release
		return nil, &stream.TransportError{Kind: stream.KindConnection, Err: errors.New("connection reset")}
	}
	return st.rec, st.err
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// dial 은 Dial 1회의 결과이다. err 가 있으면 sub 는 무시된다.
type dial struct {
	sub *fakeSub
	err error
}

type fakeDialer struct {
	mu     sync.Mutex
	script []dial
	dials  int
	params []stream.Params
}

func (d *fakeDialer) Dial(ctx context.Context, p stream.Params) (stream.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.params = append(d.params, p)
	if d.dials >= len(d.script) {
		d.dials++
		return nil, &stream.TransportError{Kind: stream.KindAuth, StatusCode: 401, Err: errors.New("script exhausted")}
	}
	dl := d.script[d.dials]
	d.dials++
	if dl.err != nil {
		return nil, dl.err
	}
	return dl.sub, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func tweet(createdAt string, id int) model.Record {
	return model.Record{"created_at": createdAt, "id": id}
}
