// Package transport sends studies to a remote archive over HTTP.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

const maxErrorBody = 1024

// UploadFile is one DICOM instance of a study upload.
type UploadFile struct {
	ID       string
	FileName string
	Data     []byte
}

type StudyUpload struct {
	StudyID          string
	StudyInstanceUID string
	PatientID        string
	Files            []UploadFile
}

// Ack is the remote archive's acceptance of an upload.
type Ack struct {
	StatusCode int
	Files      int
	Bytes      int64
	Body       string
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("remote archive returned %d: %s", e.StatusCode, e.Body)
}

// Sender transmits one study per call.
type Sender interface {
	SendStudy(ctx context.Context, endpoint string, upload StudyUpload) (*Ack, error)
}

// HTTPSender posts a study as multipart/form-data with one application/dicom
// part per file.
type HTTPSender struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSender(client *http.Client, logger *slog.Logger) *HTTPSender {
	if client == nil {
		client = DefaultHTTPClient(0)
	}
	return &HTTPSender{client: client, logger: logger.With(slog.String("component", "transport"))}
}

// DefaultHTTPClient creates an http.Client with the given timeout, or two
// minutes when timeout is zero.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (s *HTTPSender) SendStudy(ctx context.Context, endpoint string, upload StudyUpload) (*Ack, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("send study %s: no endpoint configured", upload.StudyInstanceUID)
	}

	body, contentType, size, err := encodeMultipart(upload)
	if err != nil {
		return nil, fmt.Errorf("encode study %s: %w", upload.StudyInstanceUID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "dicomstage/1.0 (Go-client)")

	l := s.logger.With(slog.String("study_uid", upload.StudyInstanceUID), slog.Int("files", len(upload.Files)))
	l.Debug("Sending study.", slog.String("endpoint", endpoint), slog.Int64("bytes", size))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do request for %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		l.Warn("Remote archive rejected study.", slog.Int("status", resp.StatusCode))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	l.Info("Study sent.", slog.Int("status", resp.StatusCode))
	return &Ack{StatusCode: resp.StatusCode, Files: len(upload.Files), Bytes: size, Body: string(respBody)}, nil
}

func encodeMultipart(upload StudyUpload) (io.Reader, string, int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("studyInstanceUid", upload.StudyInstanceUID); err != nil {
		return nil, "", 0, err
	}
	if err := mw.WriteField("patientId", upload.PatientID); err != nil {
		return nil, "", 0, err
	}
	var total int64
	for _, f := range upload.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.FileName))
		h.Set("Content-Type", "application/dicom")
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", 0, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", 0, err
		}
		total += int64(len(f.Data))
	}
	if err := mw.Close(); err != nil {
		return nil, "", 0, err
	}
	return &buf, mw.FormDataContentType(), total, nil
}
