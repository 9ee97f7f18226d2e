// Package codec converts request bodies between their live form, the
// stored form kept in a queue record, and the wire form sent on replay.
package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/models"
)

// FieldValue is the value of one multipart field: either text or binary
// content with an optional filename and content type.
type FieldValue struct {
	Text        string
	Data        []byte
	Binary      bool
	Filename    string
	ContentType string
}

// TextValue returns a plain text field value.
func TextValue(s string) FieldValue {
	return FieldValue{Text: s}
}

// FileValue returns a binary field value.
func FileValue(filename, contentType string, data []byte) FieldValue {
	if data == nil {
		data = []byte{}
	}
	return FieldValue{Data: data, Binary: true, Filename: filename, ContentType: contentType}
}

// Field is one named multipart field.
type Field struct {
	Name  string
	Value FieldValue
}

// Body is a request body tagged with its kind. Exactly one payload is
// meaningful for a given kind. The zero Body is an empty body.
type Body struct {
	kind   models.BodyKind
	value  any
	text   string
	fields []Field
}

// Empty returns a body with no content.
func Empty() Body {
	return Body{kind: models.BodyNone}
}

// JSON returns a structured body holding an arbitrary tree of values.
func JSON(v any) Body {
	return Body{kind: models.BodyStructured, value: v}
}

// Text returns a plain text body.
func Text(s string) Body {
	return Body{kind: models.BodyText, text: s}
}

// Multipart returns a multipart body with fields in the given order.
func Multipart(fields ...Field) Body {
	return Body{kind: models.BodyMultipart, fields: append([]Field(nil), fields...)}
}

// Kind returns the body kind.
func (b Body) Kind() models.BodyKind {
	if b.kind == "" {
		return models.BodyNone
	}
	return b.kind
}

// Value returns the structured payload.
func (b Body) Value() any { return b.value }

// TextValue returns the text payload.
func (b Body) TextValue() string { return b.text }

// Fields returns a copy of the multipart fields.
func (b Body) Fields() []Field {
	return append([]Field(nil), b.fields...)
}

func unsupported(format string, args ...any) error {
	return apperrors.New(apperrors.ErrUnsupportedBodyKind, fmt.Sprintf(format, args...))
}

// Classify maps a live Go value onto one of the four body kinds:
// nil is empty, a string is text, a []Field is multipart, a Body is kept,
// and maps, slices, structs, numbers and booleans are structured.
// Streams, channels and functions are rejected.
func Classify(v any) (Body, error) {
	switch t := v.(type) {
	case nil:
		return Empty(), nil
	case Body:
		return t, nil
	case *Body:
		if t == nil {
			return Empty(), nil
		}
		return *t, nil
	case string:
		return Text(t), nil
	case []Field:
		return Multipart(t...), nil
	case json.RawMessage:
		return JSON(t), nil
	case io.Reader:
		return Body{}, unsupported("stream bodies cannot be queued")
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return Body{}, unsupported("body of type %T cannot be queued", v)
	}
	return JSON(v), nil
}

// wireBody is the JSON form of a Body accepted by the admin API.
type wireBody struct {
	Kind   models.BodyKind `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Text   string          `json:"text,omitempty"`
	Fields []wireField     `json:"fields,omitempty"`
}

type wireField struct {
	Name        string `json:"name"`
	Text        string `json:"text,omitempty"`
	Data        []byte `json:"data,omitempty"`
	Binary      bool   `json:"binary,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// MarshalJSON encodes b as {"kind": ..., <payload>}.
func (b Body) MarshalJSON() ([]byte, error) {
	w := wireBody{Kind: b.Kind()}
	switch w.Kind {
	case models.BodyStructured:
		raw, err := json.Marshal(b.value)
		if err != nil {
			return nil, err
		}
		w.Value = raw
	case models.BodyText:
		w.Text = b.text
	case models.BodyMultipart:
		for _, f := range b.fields {
			w.Fields = append(w.Fields, wireField{
				Name:        f.Name,
				Text:        f.Value.Text,
				Data:        f.Value.Data,
				Binary:      f.Value.Binary,
				Filename:    f.Value.Filename,
				ContentType: f.Value.ContentType,
			})
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the form produced by MarshalJSON. An unknown kind
// is kept so that ToRecordFields reports it as unsupported.
func (b *Body) UnmarshalJSON(data []byte) error {
	var w wireBody
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case models.BodyNone, "":
		*b = Empty()
	case models.BodyStructured:
		v, err := decodeStructured(w.Value)
		if err != nil {
			return err
		}
		*b = JSON(v)
	case models.BodyText:
		*b = Text(w.Text)
	case models.BodyMultipart:
		fields := make([]Field, 0, len(w.Fields))
		for _, f := range w.Fields {
			fv := TextValue(f.Text)
			if f.Binary {
				fv = FileValue(f.Filename, f.ContentType, f.Data)
			}
			fields = append(fields, Field{Name: f.Name, Value: fv})
		}
		*b = Multipart(fields...)
	default:
		*b = Body{kind: w.Kind}
	}
	return nil
}
