package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/pkg/logger"
)

// Transfer sends an artifact to the endpoint for dest.Kind. It implements progress.Transport:
// report sees the share of the payload consumed by the connection and 100 once the request
// body is complete. Cancelling ctx aborts the request.
func (c *Client) Transfer(ctx context.Context, artifact *models.Artifact, dest models.Destination, report func(int)) (*models.TransferResult, error) {
	switch dest.Kind {
	case models.SubmissionDocument, models.SubmissionPhoto:
		raw, err := c.Upload(ctx, artifact, dest, report)
		if err != nil {
			return nil, err
		}
		var ref struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &ref)
		return &models.TransferResult{ArtifactID: ref.ID, Entity: raw}, nil
	case models.SubmissionBIM:
		preview, err := c.ImportBIM(ctx, artifact, dest.BuildingID, report)
		if err != nil {
			return nil, err
		}
		return &models.TransferResult{ArtifactID: preview.StagingID, Preview: preview}, nil
	default:
		return nil, fmt.Errorf("unsupported submission kind %q", dest.Kind)
	}
}

// Upload posts a document or photo and returns the created entity as raw JSON.
func (c *Client) Upload(ctx context.Context, artifact *models.Artifact, dest models.Destination, report func(int)) (json.RawMessage, error) {
	fields := metadataFields(dest)
	path := fmt.Sprintf("/buildings/%s/%ss", url.PathEscape(dest.BuildingID), dest.Kind)

	var raw json.RawMessage
	if err := c.doMultipart(ctx, path, artifact, fields, report, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func metadataFields(dest models.Destination) map[string]string {
	md := dest.Metadata
	fields := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	set("title", md.Title)
	set("category", md.Category)
	set("description", md.Description)
	set("tags", strings.Join(md.Tags, ","))
	set("floor_id", dest.FloorID)
	if md.Location != nil {
		fields["latitude"] = strconv.FormatFloat(md.Location.Latitude, 'f', -1, 64)
		fields["longitude"] = strconv.FormatFloat(md.Location.Longitude, 'f', -1, 64)
	}
	return fields
}

// doMultipart streams the artifact as the "file" part without buffering it. Uploads are
// never retried.
func (c *Client) doMultipart(ctx context.Context, path string, artifact *models.Artifact, fields map[string]string, report func(int), out any) error {
	if report == nil {
		report = func(int) {}
	}
	src, err := artifact.Open()
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer src.Close()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, artifact, src, fields, report))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, path, pr)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	// unblock the writer if the transport stopped reading early
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Upload rejected", logger.String("path", path), logger.Int("status", resp.StatusCode))
		return decodeHTTPError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func writeParts(mw *multipart.Writer, artifact *models.Artifact, src io.Reader, fields map[string]string, report func(int)) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, artifact.Name))
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, &countingReader{r: src, total: artifact.Size, report: report}); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	report(100)
	return nil
}

// countingReader reports read progress below 100; 100 is reserved for a complete body.
type countingReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.total > 0 {
		pct := int(c.read * 100 / c.total)
		if pct > 99 {
			pct = 99
		}
		if pct > c.last {
			c.last = pct
			c.report(pct)
		}
	}
	return n, err
}
