package building

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/pkg/logger"
)

// Derive implements worker.Deriver.
func (s *Service) Derive(ctx context.Context, kind, id string) error {
	switch models.EntityKind(kind) {
	case models.KindDocument:
		return s.deriveDocument(ctx, id)
	case models.KindPhoto:
		return s.derivePhoto(ctx, id)
	default:
		return fmt.Errorf("%w: nothing to derive for %s", ErrUnsupportedKind, kind)
	}
}

func (s *Service) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// deriveDocument 统计 PDF 页数; 其他格式跳过
func (s *Service) deriveDocument(ctx context.Context, id string) error {
	doc, err := repository.GetAs[models.Document](ctx, s.repo, models.KindDocument, id)
	if err != nil {
		return err
	}
	if doc.MimeType != "application/pdf" && !strings.HasSuffix(strings.ToLower(doc.FileName), ".pdf") {
		return nil
	}
	content, err := s.readBlob(ctx, doc.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		s.logger.Warn("Unreadable PDF, skipping page count", logger.String("id", id), logger.Error(err))
		return nil
	}

	doc.Pages = pdfReader.NumPage()
	doc.UpdatedAt = s.now().UTC()
	if err := repository.PutAs(ctx, s.repo, models.KindDocument, doc.BuildingID, doc.CreatedAt, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	s.logger.Debug("Document pages counted", logger.String("id", id), logger.Int("pages", doc.Pages))
	s.publish(ctx, models.KindDocument, models.VerbUpdated, id, doc.BuildingID)
	return nil
}

// derivePhoto 记录尺寸并生成缩略图
func (s *Service) derivePhoto(ctx context.Context, id string) error {
	photo, err := repository.GetAs[models.Photo](ctx, s.repo, models.KindPhoto, id)
	if err != nil {
		return err
	}
	content, err := s.readBlob(ctx, photo.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to read photo: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(content), imaging.AutoOrientation(true))
	if err != nil {
		// HEIC 等格式无法解码
		s.logger.Warn("Undecodable photo, skipping thumbnail", logger.String("id", id), logger.Error(err))
		return nil
	}

	size := s.config.ThumbnailSize
	thumb := imaging.Thumbnail(img, size, size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	key := fmt.Sprintf("thumbnails/%s/%s.jpg", photo.BuildingID, photo.ID)
	if err := s.storage.Put(ctx, key, &buf, int64(buf.Len()), "image/jpeg"); err != nil {
		return fmt.Errorf("failed to store thumbnail: %w", err)
	}

	bounds := img.Bounds()
	photo.Width, photo.Height = bounds.Dx(), bounds.Dy()
	photo.ThumbnailKey = key
	photo.UpdatedAt = s.now().UTC()
	if err := repository.PutAs(ctx, s.repo, models.KindPhoto, photo.BuildingID, photo.CreatedAt, photo); err != nil {
		return fmt.Errorf("failed to save photo: %w", err)
	}
	s.publish(ctx, models.KindPhoto, models.VerbUpdated, id, photo.BuildingID)
	return nil
}
