// Package shareinbox implements the durable hand-off queue between the
// short-lived share extension process and the long-lived main app process.
// The extension-side Writer appends pending content records; the importer
// drains them. The queue is the single source of truth for work that has
// not yet been imported.
package shareinbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindURL   Kind = "url"
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Payload carries the kind-specific fields of a shared content record.
// Exactly one concrete payload type exists per kind, so a well-typed record
// cannot mix fields across kinds.
type Payload interface {
	Kind() Kind
}

type URLPayload struct {
	URL string
}

func (URLPayload) Kind() Kind { return KindURL }

type TextPayload struct {
	Text string
}

func (TextPayload) Kind() Kind { return KindText }

type ImagePayload struct {
	ImageURI string
	Filename string
}

func (ImagePayload) Kind() Kind { return KindImage }

type VideoPayload struct {
	VideoURI string
	Filename string
}

func (VideoPayload) Kind() Kind { return KindVideo }

// Record is one unit of work flowing through the pipeline. All fields except
// Processed are immutable once the record is created; Processed transitions
// to true exactly once, immediately before the record leaves the queue.
type Record struct {
	ID        string
	CreatedAt time.Time
	Caption   string
	SourceApp string
	Processed bool
	Payload   Payload
}

func (r Record) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Validate checks the structural invariants a record must satisfy before it
// is allowed into the pending queue.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: record id is empty", ErrInvalidInput)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: record timestamp is zero", ErrInvalidInput)
	}
	switch p := r.Payload.(type) {
	case URLPayload:
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("%w: url payload is empty", ErrInvalidInput)
		}
	case TextPayload:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: text payload is empty", ErrInvalidInput)
		}
	case ImagePayload:
		if strings.TrimSpace(p.ImageURI) == "" {
			return fmt.Errorf("%w: image payload has no uri", ErrInvalidInput)
		}
	case VideoPayload:
		if strings.TrimSpace(p.VideoURI) == "" {
			return fmt.Errorf("%w: video payload has no uri", ErrInvalidInput)
		}
	case nil:
		return fmt.Errorf("%w: record has no payload", ErrInvalidInput)
	default:
		return fmt.Errorf("%w: unsupported payload type %T", ErrInvalidInput, p)
	}
	return nil
}

// NewRecordID returns a fresh globally unique record id: the writer-side
// clock in unix milliseconds plus a random suffix.
func NewRecordID() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), suffix)
}

// NewRecord constructs an unprocessed record with a fresh id and the current
// writer-side timestamp.
func NewRecord(payload Payload, caption, sourceApp string) Record {
	return Record{
		ID:        NewRecordID(),
		CreatedAt: time.Now().UTC(),
		Caption:   strings.TrimSpace(caption),
		SourceApp: strings.TrimSpace(sourceApp),
		Processed: false,
		Payload:   payload,
	}
}

// Wire shape of a record in the shared queue file. Field names are part of
// the cross-process contract and must not change: both the extension process
// and the main app process read and write this encoding.
type wireRecord struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	Caption   string        `json:"caption,omitempty"`
	Data      wireData      `json:"data"`
	Metadata  *wireMetadata `json:"metadata,omitempty"`
	Processed bool          `json:"processed"`
}

type wireData struct {
	URL      string `json:"url,omitempty"`
	Text     string `json:"text,omitempty"`
	ImageURI string `json:"imageUri,omitempty"`
	VideoURI string `json:"videoUri,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type wireMetadata struct {
	SourceApp string `json:"sourceApp,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	wire := wireRecord{
		ID:        r.ID,
		Type:      string(r.Kind()),
		Timestamp: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		Caption:   r.Caption,
		Processed: r.Processed,
	}
	switch p := r.Payload.(type) {
	case URLPayload:
		wire.Data.URL = p.URL
	case TextPayload:
		wire.Data.Text = p.Text
	case ImagePayload:
		wire.Data.ImageURI = p.ImageURI
		wire.Data.Filename = p.Filename
	case VideoPayload:
		wire.Data.VideoURI = p.VideoURI
		wire.Data.Filename = p.Filename
	}
	if r.SourceApp != "" {
		wire.Metadata = &wireMetadata{SourceApp: r.SourceApp}
	}
	return json.Marshal(wire)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: record %s has invalid timestamp %q", ErrInvalidInput, wire.ID, wire.Timestamp)
	}
	var payload Payload
	switch Kind(wire.Type) {
	case KindURL:
		payload = URLPayload{URL: wire.Data.URL}
	case KindText:
		payload = TextPayload{Text: wire.Data.Text}
	case KindImage:
		payload = ImagePayload{ImageURI: wire.Data.ImageURI, Filename: wire.Data.Filename}
	case KindVideo:
		payload = VideoPayload{VideoURI: wire.Data.VideoURI, Filename: wire.Data.Filename}
	default:
		return fmt.Errorf("%w: unknown record type %q", ErrInvalidInput, wire.Type)
	}
	out := Record{
		ID:        wire.ID,
		CreatedAt: createdAt,
		Caption:   wire.Caption,
		Processed: wire.Processed,
		Payload:   payload,
	}
	if wire.Metadata != nil {
		out.SourceApp = wire.Metadata.SourceApp
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*r = out
	return nil
}
