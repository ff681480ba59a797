// Package sink delivers emitted documents to append-only stores.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

// Ack reports per-item failures of an otherwise accepted batch. Failed holds
// indices into the submitted slice.
type Ack struct {
	Failed []int
}

// OK reports whether every document was accepted.
func (a Ack) OK() bool { return len(a.Failed) == 0 }

// Sink accepts batches of one category. A returned error means nothing in
// the batch was stored.
type Sink interface {
	WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error)
	Close() error
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
	} `json:"index"`
}

// writeBulk writes docs in bulk NDJSON: an action line naming the index
// followed by the source line.
func writeBulk(w io.Writer, index string, docs []emitter.Document) error {
	var action bulkAction
	action.Index.Index = index
	header, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode bulk action: %w", err)
	}
	bw := bufio.NewWriter(w)
	for _, doc := range docs {
		if _, err := bw.Write(header); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		if _, err := bw.Write(doc.Source); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
