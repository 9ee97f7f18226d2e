package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/models"
)

// storedField is the msgpack layout of one multipart field.
type storedField struct {
	Name        string `msgpack:"n"`
	Text        string `msgpack:"t,omitempty"`
	Data        []byte `msgpack:"d,omitempty"`
	Binary      bool   `msgpack:"b,omitempty"`
	Filename    string `msgpack:"f,omitempty"`
	ContentType string `msgpack:"c,omitempty"`
}

// ToRecordFields converts b into the stored kind and payload of a queue record.
func ToRecordFields(b Body) (models.BodyKind, []byte, error) {
	switch b.Kind() {
	case models.BodyNone:
		return models.BodyNone, nil, nil

	case models.BodyStructured:
		payload, err := json.Marshal(b.value)
		if err != nil {
			return "", nil, apperrors.Wrap(apperrors.ErrUnsupportedBodyKind, "structured body is not a tree of values", err)
		}
		return models.BodyStructured, payload, nil

	case models.BodyText:
		return models.BodyText, []byte(b.text), nil

	case models.BodyMultipart:
		stored := make([]storedField, 0, len(b.fields))
		for _, f := range b.fields {
			if f.Name == "" {
				return "", nil, unsupported("multipart field without a name")
			}
			stored = append(stored, storedField{
				Name:        f.Name,
				Text:        f.Value.Text,
				Data:        f.Value.Data,
				Binary:      f.Value.Binary,
				Filename:    f.Value.Filename,
				ContentType: f.Value.ContentType,
			})
		}
		payload, err := msgpack.Marshal(stored)
		if err != nil {
			return "", nil, apperrors.Wrap(apperrors.ErrUnsupportedBodyKind, "failed to encode multipart body", err)
		}
		return models.BodyMultipart, payload, nil
	}

	return "", nil, unsupported("unsupported body kind %q", b.kind)
}

// FromRecordFields is the exact inverse of ToRecordFields.
func FromRecordFields(kind models.BodyKind, payload []byte) (Body, error) {
	switch kind {
	case models.BodyNone:
		return Empty(), nil

	case models.BodyStructured:
		v, err := decodeStructured(payload)
		if err != nil {
			return Body{}, fmt.Errorf("corrupt structured payload: %w", err)
		}
		return JSON(v), nil

	case models.BodyText:
		return Text(string(payload)), nil

	case models.BodyMultipart:
		var stored []storedField
		if err := msgpack.Unmarshal(payload, &stored); err != nil {
			return Body{}, fmt.Errorf("corrupt multipart payload: %w", err)
		}
		fields := make([]Field, 0, len(stored))
		for _, s := range stored {
			v := TextValue(s.Text)
			if s.Binary {
				v = FileValue(s.Filename, s.ContentType, s.Data)
			}
			fields = append(fields, Field{Name: s.Name, Value: v})
		}
		return Multipart(fields...), nil
	}

	return Body{}, unsupported("unsupported body kind %q", kind)
}

// decodeStructured keeps numbers as json.Number so integer ids and money
// amounts survive the round trip without float conversion.
func decodeStructured(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// SanitizeHeaders drops headers whose value is empty after trimming.
// Order is preserved.
func SanitizeHeaders(headers []models.Header) []models.Header {
	out := make([]models.Header, 0, len(headers))
	for _, h := range headers {
		if strings.TrimSpace(h.Name) == "" || strings.TrimSpace(h.Value) == "" {
			continue
		}
		out = append(out, h)
	}
	return out
}

// HasHeader reports whether headers contain name, compared case-insensitively.
func HasHeader(headers []models.Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}
