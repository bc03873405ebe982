package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradejournal/internal/models"
)

var (
	// ErrOwnerNotFound is returned by Save when the owning trade does not exist.
	ErrOwnerNotFound = errors.New("image owner not found")
	ErrInvalidKey    = errors.New("invalid image key")
)

// ImageStore keeps at most one image per (owner, kind). Absence is reported through
// the found flag of Get and is never an error; Delete of a missing image is a no-op.
type ImageStore interface {
	Save(ctx context.Context, ownerID string, kind models.Kind, data []byte, mime string) (SaveResult, error)
	Get(ctx context.Context, ownerID string, kind models.Kind) (models.StoredImageData, bool, error)
	Delete(ctx context.Context, ownerID string, kind models.Kind) error
}

type SaveOutcome int

const (
	OutcomeCreated SaveOutcome = iota + 1
	OutcomeUnchanged
	OutcomeOverwritten
)

func (o SaveOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeOverwritten:
		return "overwritten"
	default:
		return "unknown"
	}
}

type SaveResult struct {
	models.StoredImage
	Outcome SaveOutcome
}

// Record is the persisted form of an image, shared by all backends.
type Record struct {
	ID        uuid.UUID   `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Kind      models.Kind `json:"kind"`
	Mime      string      `json:"mime"`
	SHA256    string      `json:"sha256"`
	ByteSize  int64       `json:"byte_size"`
	Data      []byte      `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (r *Record) metadata() models.StoredImage {
	return models.StoredImage{
		OwnerID:  r.OwnerID,
		Kind:     r.Kind,
		Mime:     r.Mime,
		SHA256:   r.SHA256,
		ByteSize: r.ByteSize,
	}
}

func (r *Record) imageData() models.StoredImageData {
	return models.StoredImageData{StoredImage: r.metadata(), Data: r.Data}
}

// DecideSave picks what a save of content hashing to newHash does to existing,
// which is nil when no record exists for the key yet.
func DecideSave(existing *Record, newHash string) SaveOutcome {
	switch {
	case existing == nil:
		return OutcomeCreated
	case existing.SHA256 == newHash:
		return OutcomeUnchanged
	default:
		return OutcomeOverwritten
	}
}

// validateKey rejects empty segments and the key separator, so that one owner's
// keys are never a prefix of another's.
func validateKey(ownerID string, kind models.Kind) error {
	if ownerID == "" || kind == "" {
		return ErrInvalidKey
	}
	if strings.Contains(ownerID, "/") || strings.Contains(string(kind), "/") {
		return ErrInvalidKey
	}
	return nil
}
