package sink

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func testDocs(n int) []emitter.Document {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	docs := make([]emitter.Document, n)
	for i := range docs {
		raw, _ := json.Marshal(map[string]any{"n": i})
		docs[i] = emitter.Document{
			Category:  emitter.CategoryLogs,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Source:    raw,
		}
	}
	return docs
}
