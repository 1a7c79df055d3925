// Package bundle defines the capture bundle: the unit of delivery carrying
// media bytes, the optional depth keyframe set, metadata, and the
// attestation assertion. Bundles are immutable after creation; delivery
// lifecycle state lives in the upload queue, layered on top.
package bundle

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/LucaDeLeo/realitycam-sub011/internal/attest"
	"github.com/LucaDeLeo/realitycam-sub011/internal/depth"
)

// Errors
var (
	ErrNoMedia         = errors.New("bundle: media bytes are required")
	ErrInvalidMetadata = errors.New("bundle: metadata failed schema validation")
)

//go:embed metadata.schema.json
var metadataSchemaJSON []byte

var metadataSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metadata.schema.json", bytes.NewReader(metadataSchemaJSON)); err != nil {
		panic(fmt.Sprintf("bundle: add metadata schema: %v", err))
	}
	schema, err := compiler.Compile("metadata.schema.json")
	if err != nil {
		panic(fmt.Sprintf("bundle: compile metadata schema: %v", err))
	}
	return schema
}

// MediaType distinguishes photo and video captures.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

// Metadata describes one capture. It travels as JSON in the multipart
// submission and is schema-validated before a bundle is accepted.
type Metadata struct {
	SchemaVersion int       `json:"schema_version"`
	MediaType     MediaType `json:"media_type"`
	CapturedAt    time.Time `json:"captured_at"`
	DurationMs    int64     `json:"duration_ms"`
	FrameCount    int       `json:"frame_count"`
	FinalHash     string    `json:"final_hash"`

	// Partial-recording extent. For an interrupted capture these report
	// the last signed checkpoint, never the intended full duration.
	IsPartial       bool `json:"is_partial"`
	CheckpointCount int  `json:"checkpoint_count"`

	DeviceModel string `json:"device_model,omitempty"`
	OSVersion   string `json:"os_version,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`
}

// CurrentSchemaVersion is the metadata schema version this build writes.
const CurrentSchemaVersion = 1

// Bundle is the full set of data representing one capture.
type Bundle struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Media     []byte             `json:"-"`
	Depth     *depth.KeyframeSet `json:"depth,omitempty"`
	Metadata  Metadata           `json:"metadata"`
	Assertion *attest.Assertion  `json:"assertion,omitempty"`
}

// New assembles and validates a bundle. Depth and assertion are optional:
// photos have no depth set, and interrupted sessions without a checkpoint
// still yield a queued (unattested) bundle so the evidence is preserved.
func New(media []byte, depthSet *depth.KeyframeSet, meta Metadata, assertion *attest.Assertion) (*Bundle, error) {
	if len(media) == 0 {
		return nil, ErrNoMedia
	}
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = CurrentSchemaVersion
	}
	if err := ValidateMetadata(meta); err != nil {
		return nil, err
	}

	return &Bundle{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Media:     media,
		Depth:     depthSet,
		Metadata:  meta,
		Assertion: assertion,
	}, nil
}

// ValidateMetadata checks the metadata against the embedded JSON schema.
func ValidateMetadata(meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("bundle: marshal metadata: %w", err)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("bundle: decode metadata: %w", err)
	}

	if err := metadataSchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return nil
}

// MetadataJSON returns the canonical JSON encoding of the metadata.
func (b *Bundle) MetadataJSON() ([]byte, error) {
	return json.Marshal(b.Metadata)
}

// AssertionJSON returns the JSON encoding of the assertion, or nil when
// the bundle is unattested.
func (b *Bundle) AssertionJSON() ([]byte, error) {
	if b.Assertion == nil {
		return nil, nil
	}
	return json.Marshal(b.Assertion)
}

// Size returns the approximate payload size in bytes: media plus the
// compressed depth blob. Used for quota accounting.
func (b *Bundle) Size() int64 {
	size := int64(len(b.Media))
	if b.Depth != nil {
		size += int64(len(b.Depth.CompressedBlob))
	}
	return size
}
