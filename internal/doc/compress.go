package doc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackzampolin/docpipe/internal/blob"
)

// DefaultCompressionThreshold is the serialized size above which a document
// payload is offloaded to the blob store. Payloads exactly at the threshold
// flow inline.
const DefaultCompressionThreshold = 200 * 1024

// Envelope is the transport form of an oversized document. Section IDs are
// preserved so map fan-out can proceed without rehydrating the document.
type Envelope struct {
	DocumentID string   `json:"document_id"`
	StorageURI string   `json:"storage_uri"`
	SectionIDs []string `json:"section_ids"`
	Compressed bool     `json:"compressed"`
}

// CanonicalJSON serializes the document to canonical bytes: object keys
// sorted, no insignificant whitespace. Two documents with equal content
// produce identical bytes regardless of how they were built.
func (d *Document) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", d.ID, err)
	}
	// Round-trip through an untyped value so map keys come out sorted.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to canonicalize document %s: %w", d.ID, err)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize document %s: %w", d.ID, err)
	}
	return canon, nil
}

// Serialize produces the transport payload for a handoff after the named
// step. Payloads over threshold are written to the blob store and replaced by
// an Envelope; smaller payloads flow inline. threshold <= 0 uses the default.
func Serialize(ctx context.Context, store blob.Store, d *Document, step string, threshold int) ([]byte, error) {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	payload, err := d.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	if len(payload) <= threshold {
		return payload, nil
	}

	uri, err := store.Put(ctx, blob.CompressedKey(d.ID, step), payload, blob.ContentTypeJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to offload document %s: %w", d.ID, err)
	}

	env := Envelope{
		DocumentID: d.ID,
		StorageURI: uri,
		SectionIDs: d.SectionIDs(),
		Compressed: true,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope for %s: %w", d.ID, err)
	}
	return envBytes, nil
}

// Load reads a document from a transport payload, accepting both the inline
// and the compressed shape. Rehydration is deterministic: the returned
// document's canonical JSON equals the serialized original.
func Load(ctx context.Context, store blob.Store, payload []byte) (*Document, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Compressed {
		stored, err := store.Get(ctx, env.StorageURI)
		if err != nil {
			return nil, fmt.Errorf("failed to rehydrate document %s: %w", env.DocumentID, err)
		}
		payload = stored
	}

	var d Document
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document payload: %w", err)
	}
	if d.Pages == nil {
		d.Pages = make(map[string]*Page)
	}
	if d.Metering == nil {
		d.Metering = make(Metering)
	}
	return &d, nil
}
