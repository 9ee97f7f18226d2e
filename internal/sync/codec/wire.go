package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/kimhsiao/payrollsync/internal/models"
)

// Content types set on replayed requests.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

// Encode renders b in its wire form. An empty body yields a nil reader and
// an empty content type.
func Encode(b Body) (io.Reader, string, error) {
	return encode(b, "")
}

func encode(b Body, boundary string) (io.Reader, string, error) {
	switch b.Kind() {
	case models.BodyNone:
		return nil, "", nil

	case models.BodyStructured:
		data, err := json.Marshal(b.value)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), ContentTypeJSON, nil

	case models.BodyText:
		return strings.NewReader(b.text), ContentTypeText, nil

	case models.BodyMultipart:
		var buf bytes.Buffer
		contentType, err := writeMultipart(&buf, b.fields, boundary)
		if err != nil {
			return nil, "", err
		}
		return &buf, contentType, nil
	}
	return nil, "", unsupported("unsupported body kind %q", b.kind)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeMultipart writes fields as multipart/form-data. An empty boundary
// selects a random one.
func writeMultipart(w io.Writer, fields []Field, boundary string) (string, error) {
	mw := multipart.NewWriter(w)
	if boundary != "" {
		if err := mw.SetBoundary(boundary); err != nil {
			return "", err
		}
	}

	for _, f := range fields {
		if !f.Value.Binary {
			if err := mw.WriteField(f.Name, f.Value.Text); err != nil {
				return "", fmt.Errorf("field %q: %w", f.Name, err)
			}
			continue
		}

		filename := f.Value.Filename
		if filename == "" {
			filename = f.Name
		}
		contentType := f.Value.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(f.Name), quoteEscaper.Replace(filename)))
		h.Set("Content-Type", contentType)

		part, err := mw.CreatePart(h)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", f.Name, err)
		}
		if _, err := part.Write(f.Value.Data); err != nil {
			return "", fmt.Errorf("field %q: %w", f.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}
