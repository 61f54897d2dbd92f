package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one normalized order-book entry. Immutable once produced.
type Record struct {
	// RecordID is generated at snapshot assembly time.
	RecordID string `json:"record_id"`

	// Kind is the logical market the order belongs to.
	Kind string `json:"kind"`

	// Side is "buy" or "sell".
	Side string `json:"side"`

	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`

	// IssuedAt is when the upstream issued the order.
	IssuedAt time.Time `json:"issued_at"`

	// SnapshotTS is shared by every record of one pass.
	SnapshotTS time.Time `json:"snapshot_ts"`
}

// Snapshot is the set of records produced by one consistent paginated
// pass. Created wholesale; superseded, never patched.
type Snapshot struct {
	Records []Record `json:"records"`

	// LastModified is the freshness token every page of the pass agreed on.
	LastModified string `json:"last_modified"`

	// FetchedAt is when the pass completed.
	FetchedAt time.Time `json:"fetched_at"`

	// Fallback is true when consistency could not be established and the
	// snapshot is a best-effort page-1-only view. Callers must not assume
	// atomicity for a fallback snapshot.
	Fallback bool `json:"fallback"`
}

// wireOrder is the upstream JSON shape of one order.
type wireOrder struct {
	Kind     string    `json:"kind"`
	Side     string    `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	IssuedAt time.Time `json:"issued_at"`
}

// decodePage parses one page body into wire orders. A nil body (empty
// response) decodes to no orders.
func decodePage(body json.RawMessage) ([]wireOrder, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var orders []wireOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode orders page: %w", err)
	}
	return orders, nil
}

// buildRecords filters wire orders by selector (a logical market kind;
// empty keeps everything) and stamps record ids plus one shared
// snapshot timestamp.
func buildRecords(orders []wireOrder, selector string, snapshotTS time.Time) []Record {
	records := make([]Record, 0, len(orders))
	for _, o := range orders {
		if selector != "" && o.Kind != selector {
			continue
		}
		records = append(records, Record{
			RecordID:   uuid.NewString(),
			Kind:       o.Kind,
			Side:       o.Side,
			Price:      o.Price,
			Quantity:   o.Quantity,
			IssuedAt:   o.IssuedAt,
			SnapshotTS: snapshotTS,
		})
	}
	return records
}
