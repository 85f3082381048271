// Package archive keeps JSON snapshots of records removed by destructive
// operations, keyed by module name and original record id.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record is one archived snapshot.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	Module     string          `json:"module"`
	RecordID   string          `json:"record_id"`
	Data       json.RawMessage `json:"data"`
	ArchivedBy string          `json:"archived_by"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// Store persists archive records.
type Store interface {
	SaveArchive(ctx context.Context, r Record) error
	ListArchives(ctx context.Context, module string) ([]Record, error)
	DeleteArchive(ctx context.Context, id uuid.UUID) error
}

var ErrInvalidSnapshot = errors.New("invalid archive snapshot")

// Service snapshots records before they are deleted.
type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// Archive marshals data and stores it under module/recordID.
func (s *Service) Archive(ctx context.Context, module, recordID string, data any, actor string) (Record, error) {
	if module == "" || recordID == "" {
		return Record{}, fmt.Errorf("%w: module and record id are required", ErrInvalidSnapshot)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if actor == "" {
		actor = "system"
	}

	rec := Record{
		ID:         uuid.New(),
		Module:     module,
		RecordID:   recordID,
		Data:       raw,
		ArchivedBy: actor,
		ArchivedAt: s.now().UTC(),
	}
	if err := s.store.SaveArchive(ctx, rec); err != nil {
		s.log.Error("archive failed",
			zap.String("module", module),
			zap.String("record_id", recordID),
			zap.Error(err))
		return Record{}, fmt.Errorf("save archive: %w", err)
	}

	s.log.Info("record archived",
		zap.String("module", module),
		zap.String("record_id", recordID),
		zap.String("archive_id", rec.ID.String()),
		zap.String("actor", actor))
	return rec, nil
}

// Discard removes a snapshot whose delete never happened.
func (s *Service) Discard(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteArchive(ctx, id); err != nil {
		s.log.Error("discard archive failed",
			zap.String("archive_id", id.String()),
			zap.Error(err))
		return fmt.Errorf("discard archive: %w", err)
	}
	return nil
}

// List returns archived records of a module, newest first. An empty module
// lists every module.
func (s *Service) List(ctx context.Context, module string) ([]Record, error) {
	return s.store.ListArchives(ctx, module)
}
