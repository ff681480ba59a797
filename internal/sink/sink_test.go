package sink

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

func TestFileSinkWritesBulkFormat(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSink(dir, "resolve")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := fs.WriteBatch(ctx, emitter.CategoryLogs, testDocs(2)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := fs.WriteBatch(ctx, emitter.CategoryLogs, testDocs(1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(fs.Path(emitter.CategoryLogs))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d", len(lines))
	}
	if lines[0] != `{"index":{"_index":"resolve-logs"}}` || lines[1] != `{"n":0}` {
		t.Fatalf("unexpected bulk lines: %q %q", lines[0], lines[1])
	}
}

func TestElasticsearchSinkReportsItemFailures(t *testing.T) {
	var gotBody string
	es := NewElasticsearchSink(ElasticsearchConfig{URL: "http://es.local:9200/", IndexPrefix: "resolve", APIKey: "k"})
	es.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != "http://es.local:9200/_bulk" {
			t.Fatalf("unexpected url %s", req.URL)
		}
		if req.Header.Get("Content-Type") != "application/x-ndjson" || req.Header.Get("Authorization") != "ApiKey k" {
			t.Fatalf("unexpected headers %v", req.Header)
		}
		body, _ := io.ReadAll(req.Body)
		gotBody = string(body)
		resp := `{"errors":true,"items":[{"index":{"status":201}},{"index":{"status":429,"error":{"type":"es_rejected_execution_exception","reason":"queue full"}}},{"index":{"status":201}}]}`
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(resp)), Header: make(http.Header)}, nil
	})

	ack, err := es.WriteBatch(context.Background(), emitter.CategoryMetrics, testDocs(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ack.Failed) != 1 || ack.Failed[0] != 1 {
		t.Fatalf("expected item 1 to fail, got %v", ack.Failed)
	}
	if strings.Count(gotBody, `{"index":{"_index":"resolve-metrics"}}`) != 3 {
		t.Fatalf("unexpected bulk body %q", gotBody)
	}
}

func TestElasticsearchSinkTotalFailure(t *testing.T) {
	es := NewElasticsearchSink(ElasticsearchConfig{URL: "http://es.local:9200"})
	es.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable", Body: io.NopCloser(strings.NewReader("busy")), Header: make(http.Header)}, nil
	})
	if _, err := es.WriteBatch(context.Background(), emitter.CategoryLogs, testDocs(1)); err == nil {
		t.Fatalf("expected error")
	}
}

type fakePutter struct {
	keys   []string
	bodies []string
	fail   bool
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail {
		return nil, errors.New("access denied")
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkObjectKeys(t *testing.T) {
	putter := &fakePutter{}
	s := newS3Sink(putter, S3Config{Bucket: "archive", Prefix: "runs/42", IndexPrefix: "resolve"})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := s.WriteBatch(ctx, emitter.CategoryLogs, testDocs(2)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	want := []string{"runs/42/logs/20240301T100000Z-000000.ndjson", "runs/42/logs/20240301T100000Z-000001.ndjson"}
	for i, k := range want {
		if putter.keys[i] != k {
			t.Fatalf("key %d: got %s want %s", i, putter.keys[i], k)
		}
	}
	if !strings.HasPrefix(putter.bodies[0], `{"index":{"_index":"resolve-logs"}}`) {
		t.Fatalf("unexpected body %q", putter.bodies[0])
	}

	putter.fail = true
	if _, err := s.WriteBatch(ctx, emitter.CategoryLogs, testDocs(1)); err == nil {
		t.Fatalf("expected upload error")
	}
}

type fakeExecer struct {
	calls  int
	failOn int
	args   [][]any
}

func (f *fakeExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("connection reset")
	}
	f.args = append(f.args, args)
	return nil, nil
}

func TestPostgresSinkChunksAndReportsTail(t *testing.T) {
	ex := &fakeExecer{failOn: 2}
	s := &PostgresSink{exec: ex, prefix: "resolve"}
	docs := testDocs(rowsPerInsert + 10)
	docs[0].CorrelationID = "corr"

	ack, err := s.WriteBatch(context.Background(), emitter.CategoryLogs, docs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ack.Failed) != 10 || ack.Failed[0] != rowsPerInsert {
		t.Fatalf("expected tail of 10 to fail, got %d starting %v", len(ack.Failed), ack.Failed[:1])
	}
	first := ex.args[0]
	if first[0] != "resolve-logs" || first[1] != "logs" {
		t.Fatalf("unexpected leading args %v", first[:2])
	}
	if corr := first[3].(sql.NullString); !corr.Valid || corr.String != "corr" {
		t.Fatalf("correlation id not bound: %+v", corr)
	}

	ex = &fakeExecer{failOn: 1}
	s.exec = ex
	if _, err := s.WriteBatch(context.Background(), emitter.CategoryLogs, testDocs(3)); err == nil {
		t.Fatalf("first chunk failure must be a total failure")
	}
}

func TestInsertStatementPlaceholders(t *testing.T) {
	query, args := insertStatement("resolve-runbooks", emitter.CategoryRunbooks, []emitter.Document{{Source: json.RawMessage(`{}`)}, {Source: json.RawMessage(`{}`)}})
	if !strings.HasSuffix(query, "($1, $2, $3, $4, $5), ($6, $7, $8, $9, $10)") {
		t.Fatalf("unexpected query %s", query)
	}
	if ts := args[2].(sql.NullTime); ts.Valid {
		t.Fatalf("runbooks have no timestamp")
	}
}

type flakySink struct {
	script []func(docs []emitter.Document) (Ack, error)
	seen   [][]emitter.Document
}

func (f *flakySink) WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error) {
	f.seen = append(f.seen, docs)
	step := f.script[len(f.seen)-1]
	return step(docs)
}

func (f *flakySink) Close() error { return nil }

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryingSinkResubmitsOnlyFailures(t *testing.T) {
	flaky := &flakySink{script: []func([]emitter.Document) (Ack, error){
		func([]emitter.Document) (Ack, error) { return Ack{}, errors.New("timeout") },
		func([]emitter.Document) (Ack, error) { return Ack{Failed: []int{1, 3}}, nil },
		func([]emitter.Document) (Ack, error) { return Ack{}, nil },
	}}
	r := NewRetryingSink(flaky, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)
	r.sleep = noSleep

	ack, err := r.WriteBatch(context.Background(), emitter.CategoryLogs, testDocs(4))
	if err != nil || !ack.OK() {
		t.Fatalf("expected delivery, got %v %v", ack, err)
	}
	if len(flaky.seen) != 3 || len(flaky.seen[2]) != 2 {
		t.Fatalf("unexpected attempts %d", len(flaky.seen))
	}
	if string(flaky.seen[2][0].Source) != `{"n":1}` || string(flaky.seen[2][1].Source) != `{"n":3}` {
		t.Fatalf("resubmitted wrong documents")
	}
	if r.Latency().Count != 3 {
		t.Fatalf("expected 3 latency samples, got %d", r.Latency().Count)
	}
}

func TestRetryingSinkExhaustion(t *testing.T) {
	flaky := &flakySink{script: []func([]emitter.Document) (Ack, error){
		func([]emitter.Document) (Ack, error) { return Ack{Failed: []int{0, 2}}, nil },
		func([]emitter.Document) (Ack, error) { return Ack{Failed: []int{1}}, nil },
	}}
	r := NewRetryingSink(flaky, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)
	r.sleep = noSleep

	ack, err := r.WriteBatch(context.Background(), emitter.CategoryAlerts, testDocs(3))
	var exhausted *BatchExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected BatchExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 2 || len(exhausted.Documents) != 1 || string(exhausted.Documents[0].Source) != `{"n":2}` {
		t.Fatalf("unexpected exhaustion %+v", exhausted)
	}
	if len(ack.Failed) != 1 || ack.Failed[0] != 2 {
		t.Fatalf("ack should point at original index 2, got %v", ack.Failed)
	}
	if !IsBatchExhausted(err) {
		t.Fatalf("IsBatchExhausted should match")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 25 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	want := []time.Duration{0, 25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	for attempt, w := range want {
		if got := p.backoff(attempt); got != w {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, w)
		}
	}
}

func TestMemorySinkRecordsWrites(t *testing.T) {
	m := NewMemorySink()
	ctx := context.Background()
	_, _ = m.WriteBatch(ctx, emitter.CategoryDeployments, testDocs(1))
	_, _ = m.WriteBatch(ctx, emitter.CategoryLogs, testDocs(3))
	if got := m.Counts()[emitter.CategoryLogs]; got != 3 {
		t.Fatalf("expected 3 logs, got %d", got)
	}
	writes := m.Writes()
	if len(writes) != 2 || writes[0].Category != emitter.CategoryDeployments {
		t.Fatalf("unexpected writes %+v", writes)
	}
}
