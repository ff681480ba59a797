package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

// ElasticsearchConfig locates the cluster receiving _bulk requests.
type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	APIKey      string
	IndexPrefix string
	Timeout     time.Duration
}

// ElasticsearchSink posts batches to the _bulk endpoint. Items the cluster
// rejects are reported through Ack.Failed.
type ElasticsearchSink struct {
	endpoint   string
	cfg        ElasticsearchConfig
	httpClient *http.Client
}

// NewElasticsearchSink constructs a sink for cfg.
func NewElasticsearchSink(cfg ElasticsearchConfig) *ElasticsearchSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ElasticsearchSink{
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/_bulk",
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// WriteBatch sends docs in one _bulk request.
func (e *ElasticsearchSink) WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error) {
	if e.cfg.URL == "" {
		return Ack{}, fmt.Errorf("elasticsearch URL not configured")
	}
	if len(docs) == 0 {
		return Ack{}, nil
	}

	var body bytes.Buffer
	if err := writeBulk(&body, emitter.IndexName(e.cfg.IndexPrefix, category), docs); err != nil {
		return Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	switch {
	case e.cfg.APIKey != "":
		req.Header.Set("Authorization", "ApiKey "+e.cfg.APIKey)
	case e.cfg.Username != "":
		req.SetBasicAuth(e.cfg.Username, e.cfg.Password)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Ack{}, fmt.Errorf("elasticsearch returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var out bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Ack{}, fmt.Errorf("decode bulk response: %w", err)
	}
	if !out.Errors {
		return Ack{}, nil
	}
	if len(out.Items) != len(docs) {
		return Ack{}, fmt.Errorf("bulk response has %d items for %d documents", len(out.Items), len(docs))
	}

	var ack Ack
	for i, item := range out.Items {
		for _, result := range item {
			if result.Status >= 300 || result.Error != nil {
				ack.Failed = append(ack.Failed, i)
			}
		}
	}
	return ack, nil
}

// Close releases idle connections.
func (e *ElasticsearchSink) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
