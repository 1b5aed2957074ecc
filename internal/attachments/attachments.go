// Package attachments manages shared file attachments. An attachment may be
// referenced by several owners (nodes, chat threads, skills); the backing
// file is deleted only when the last reference is removed.
package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"llmctl/internal/errors"
	"llmctl/internal/logging"
	"llmctl/internal/store"
)

// Service is the attachment lifecycle manager.
type Service struct {
	store   store.Store
	dataDir string
	logger  logging.Logger
}

// NewService constructs a service storing attachment files under dataDir.
func NewService(s store.Store, dataDir string) *Service {
	return &Service{
		store:   s,
		dataDir: dataDir,
		logger:  logging.NewComponentLogger("Attachments"),
	}
}

// Add ingests content as a new attachment owned by (ownerKind, ownerID).
func (s *Service) Add(ctx context.Context, fileName string, content io.Reader, ownerKind, ownerID string) (*store.Attachment, error) {
	if fileName == "" {
		return nil, errors.New(errors.CodeValidation, "attachment file name is required")
	}

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(s.dataDir, id)
	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create attachment file: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hasher), content); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	att := &store.Attachment{
		ID:          id,
		FileName:    filepath.Base(fileName),
		FilePath:    path,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
	}

	err = s.store.ExecuteAtomic(ctx, func(tx store.Tx) error {
		if err := tx.PutAttachment(ctx, att); err != nil {
			return err
		}
		return tx.AddAttachmentRef(ctx, id, ownerKind, ownerID)
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	s.logger.Debug("added attachment %s (%s) for %s/%s", id, att.FileName, ownerKind, ownerID)
	return att, nil
}

// Link adds a reference from another owner to an existing attachment.
func (s *Service) Link(ctx context.Context, attachmentID, ownerKind, ownerID string) error {
	return s.store.AddAttachmentRef(ctx, attachmentID, ownerKind, ownerID)
}

// Unlink removes one owner's reference. When the last reference goes, the
// backing file and the record are deleted.
func (s *Service) Unlink(ctx context.Context, attachmentID, ownerKind, ownerID string) error {
	remaining, err := s.store.RemoveAttachmentRef(ctx, attachmentID, ownerKind, ownerID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	att, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if err := os.Remove(att.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete attachment file: %w", err)
	}
	s.logger.Info("deleted attachment %s after last reference removed", attachmentID)
	return nil
}

// Resolve loads the attachments for a set of ids, failing on the first
// missing one.
func (s *Service) Resolve(ctx context.Context, ids []string) ([]*store.Attachment, error) {
	out := make([]*store.Attachment, 0, len(ids))
	for _, id := range ids {
		att, err := s.store.GetAttachment(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}
