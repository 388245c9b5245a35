package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"vendaflow/api/internal/rbac"
	"vendaflow/api/internal/storage"
	"vendaflow/api/internal/store"
	"vendaflow/api/internal/util"
)

const attachmentLinkTTL = 15 * time.Minute

var errAttachmentsDisabled = domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)

type AttachmentView struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedBy  string    `json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	URL         string    `json:"url,omitempty"`
}

func attachmentView(item store.Attachment) AttachmentView {
	return AttachmentView{
		ID:          item.ID,
		FileName:    item.FileName,
		ContentType: item.ContentType,
		SizeBytes:   item.SizeBytes,
		UploadedBy:  item.UploadedBy,
		CreatedAt:   item.CreatedAt,
	}
}

type UploadInput struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

func (s *Service) UploadAttachment(ctx context.Context, session Session, cardID string, input UploadInput) (AttachmentView, error) {
	if s.files == nil {
		return AttachmentView{}, errAttachmentsDisabled
	}
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return AttachmentView{}, err
	}
	if _, _, err := s.boardCard(ctx, session, cardID); err != nil {
		return AttachmentView{}, err
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(input.FileName), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return AttachmentView{}, validationError("file name is required")
	}
	if input.Size <= 0 {
		return AttachmentView{}, validationError("file is empty")
	}
	if s.cfg.MaxUploadBytes > 0 && input.Size > s.cfg.MaxUploadBytes {
		return AttachmentView{}, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", map[string]any{"maxBytes": s.cfg.MaxUploadBytes})
	}

	item := store.Attachment{
		ID:          util.NewID("att"),
		CardID:      cardID,
		FileName:    name,
		ContentType: input.ContentType,
		SizeBytes:   input.Size,
		UploadedBy:  session.UserID,
	}
	item.ObjectKey = storage.ObjectKey(cardID, item.ID, name)
	obj, err := s.files.Put(ctx, item.ObjectKey, input.Body, input.Size, input.ContentType)
	if err != nil {
		return AttachmentView{}, err
	}
	item.ContentType = obj.ContentType
	if err := s.store.InsertAttachment(ctx, item); err != nil {
		if rmErr := s.files.Remove(ctx, item.ObjectKey); rmErr != nil {
			log.Printf("attachments: remove orphan %s: %v", item.ObjectKey, rmErr)
		}
		return AttachmentView{}, err
	}
	item.CreatedAt = s.now()
	return attachmentView(item), nil
}

func (s *Service) ListAttachments(ctx context.Context, session Session, cardID string) ([]AttachmentView, error) {
	if _, _, err := s.boardCard(ctx, session, cardID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListAttachments(ctx, cardID)
	if err != nil {
		return nil, err
	}
	items := make([]AttachmentView, 0, len(rows))
	for _, row := range rows {
		items = append(items, attachmentView(row))
	}
	return items, nil
}

// AttachmentLink returns the attachment with a short-lived download URL.
func (s *Service) AttachmentLink(ctx context.Context, session Session, cardID, attachmentID string) (AttachmentView, error) {
	if s.files == nil {
		return AttachmentView{}, errAttachmentsDisabled
	}
	item, err := s.cardAttachment(ctx, session, cardID, attachmentID)
	if err != nil {
		return AttachmentView{}, err
	}
	url, err := s.files.PresignedGet(ctx, item.ObjectKey, item.FileName, attachmentLinkTTL)
	if err != nil {
		return AttachmentView{}, err
	}
	view := attachmentView(item)
	view.URL = url
	return view, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, cardID, attachmentID string) error {
	if s.files == nil {
		return errAttachmentsDisabled
	}
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return err
	}
	item, err := s.cardAttachment(ctx, session, cardID, attachmentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil {
		return err
	}
	if err := s.files.Remove(ctx, item.ObjectKey); err != nil {
		log.Printf("attachments: remove %s: %v", item.ObjectKey, err)
	}
	return nil
}

func (s *Service) cardAttachment(ctx context.Context, session Session, cardID, attachmentID string) (store.Attachment, error) {
	if _, _, err := s.boardCard(ctx, session, cardID); err != nil {
		return store.Attachment{}, err
	}
	item, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil || item.CardID != cardID {
		if err == nil || store.IsNotFound(err) {
			return store.Attachment{}, domainError(http.StatusNotFound, "ATTACHMENT_NOT_FOUND", "Attachment not found", nil)
		}
		return store.Attachment{}, err
	}
	return item, nil
}
