package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/samiralibabic/scriptd/internal/transport/ndjson"
)

// DefaultPreviewBytes caps the amount of an offending line kept in a
// DecodeError.
const DefaultPreviewBytes = 256

type ErrorCode string

const (
	CodeInvalidJSON  ErrorCode = "invalid_json"
	CodeNotObject    ErrorCode = "not_object"
	CodeUnknownType  ErrorCode = "unknown_type"
	CodeMissingField ErrorCode = "missing_field"
	CodeNulByte      ErrorCode = "nul_byte"
	CodeInvalidUTF8  ErrorCode = "invalid_utf8"
	CodeBadSurrogate ErrorCode = "bad_surrogate"
	CodeLineTooLong  ErrorCode = "line_too_long"
)

// DecodeError describes one rejected line. It never carries more than a
// bounded preview of the line.
type DecodeError struct {
	Code    ErrorCode
	Type    string
	Detail  string
	Preview string
}

func (e *DecodeError) Error() string {
	msg := string(e.Code)
	if e.Type != "" {
		msg += " (type " + e.Type + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return fmt.Sprintf("decode line: %s: %q", msg, e.Preview)
}

// Preview returns at most n bytes of line, cut on a rune boundary.
func Preview(line []byte, n int) string {
	if n <= 0 {
		n = DefaultPreviewBytes
	}
	if len(line) <= n {
		return string(line)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return string(line[:cut]) + "...(truncated)"
}

// Decode parses one line with the default preview size.
func Decode(line []byte) (Message, error) {
	return DecodeWithPreview(line, DefaultPreviewBytes)
}

// DecodeWithPreview parses one line into a Message. Every failure is a
// *DecodeError.
func DecodeWithPreview(line []byte, previewBytes int) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	fail := func(code ErrorCode, typ, detail string) (Message, error) {
		return nil, &DecodeError{Code: code, Type: typ, Detail: detail, Preview: Preview(trimmed, previewBytes)}
	}

	if bytes.IndexByte(trimmed, 0) >= 0 {
		return fail(CodeNulByte, "", "raw NUL byte in line")
	}
	if !utf8.Valid(trimmed) {
		return fail(CodeInvalidUTF8, "", "")
	}
	if !json.Valid(trimmed) {
		return fail(CodeInvalidJSON, "", "")
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fail(CodeNotObject, "", "")
	}
	if err := checkSurrogates(trimmed); err != nil {
		return fail(CodeBadSurrogate, "", err.Error())
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fail(CodeInvalidJSON, "", err.Error())
	}
	var typ string
	if raw, ok := obj["type"]; !ok || json.Unmarshal(raw, &typ) != nil || typ == "" {
		return fail(CodeUnknownType, "", "missing type")
	}

	var (
		msg      Message
		required []string
		err      error
	)
	switch Kind(typ) {
	case KindDiv:
		var m Div
		err = json.Unmarshal(trimmed, &m)
		msg, required = m, []string{"id", "html"}
	case KindArg:
		var m Arg
		err = json.Unmarshal(trimmed, &m)
		msg, required = m, []string{"id", "placeholder"}
	case KindEditor:
		var m Editor
		err = json.Unmarshal(trimmed, &m)
		msg, required = m, []string{"id", "content", "language"}
	case KindTerm:
		var m Term
		err = json.Unmarshal(trimmed, &m)
		msg, required = m, []string{"id"}
	case KindFields:
		var m Fields
		err = json.Unmarshal(trimmed, &m)
		if err == nil && !isArray(obj["fields"]) {
			return fail(CodeMissingField, typ, "fields must be an array")
		}
		msg, required = m, []string{"id"}
	case KindPath:
		var m Path
		err = json.Unmarshal(trimmed, &m)
		msg, required = m, []string{"id"}
	case KindGetLayoutInfo:
		var m GetLayoutInfo
		err = json.Unmarshal(trimmed, &m)
		msg, required = m, []string{"id"}
	case KindCaptureScreenshot:
		var m CaptureScreenshot
		err = json.Unmarshal(trimmed, &m)
		msg, required = m, []string{"id"}
	case KindShow:
		msg = Show{}
	case KindHide:
		msg = Hide{}
	case KindSetFilter:
		var m SetFilter
		err = json.Unmarshal(trimmed, &m)
		msg = m
	case KindExit:
		var m Exit
		err = json.Unmarshal(trimmed, &m)
		msg = m
	case KindSubmit:
		var m Submit
		err = json.Unmarshal(trimmed, &m)
		if err == nil {
			if _, ok := obj["value"]; !ok {
				return fail(CodeMissingField, typ, "value")
			}
		}
		msg, required = m, []string{"id"}
	default:
		return fail(CodeUnknownType, typ, "")
	}
	if err != nil {
		return fail(CodeMissingField, typ, err.Error())
	}
	for _, name := range required {
		if !isString(obj[name]) {
			return fail(CodeMissingField, typ, name)
		}
	}
	if msg.RequestID() == "" && len(required) > 0 {
		return fail(CodeMissingField, typ, "id")
	}
	return msg, nil
}

func isString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// checkSurrogates rejects \u escapes that do not form valid UTF-16 pairs.
// encoding/json would otherwise replace them with U+FFFD silently.
func checkSurrogates(b []byte) error {
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' {
			continue
		}
		if i+1 >= len(b) {
			return nil
		}
		if b[i+1] != 'u' {
			i++
			continue
		}
		r, ok := hex4(b, i+2)
		if !ok {
			return nil
		}
		i += 5
		switch {
		case r >= 0xD800 && r <= 0xDBFF:
			if i+6 >= len(b) || b[i+1] != '\\' || b[i+2] != 'u' {
				return fmt.Errorf("unpaired high surrogate \\u%04X", r)
			}
			lo, ok := hex4(b, i+3)
			if !ok || lo < 0xDC00 || lo > 0xDFFF {
				return fmt.Errorf("unpaired high surrogate \\u%04X", r)
			}
			i += 6
		case r >= 0xDC00 && r <= 0xDFFF:
			return fmt.Errorf("unpaired low surrogate \\u%04X", r)
		}
	}
	return nil
}

func hex4(b []byte, at int) (rune, bool) {
	if at+4 > len(b) {
		return 0, false
	}
	var r rune
	for _, c := range b[at : at+4] {
		r <<= 4
		switch {
		case c >= '0' && c <= '9':
			r |= rune(c - '0')
		case c >= 'a' && c <= 'f':
			r |= rune(c-'a') + 10
		case c >= 'A' && c <= 'F':
			r |= rune(c-'A') + 10
		default:
			return 0, false
		}
	}
	return r, true
}

// Encode renders m as a single JSON object carrying its "type" tag,
// without a trailing newline.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(string(m.Kind()))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// EncodeSubmit renders a submit reply. A nil value is written as null.
func EncodeSubmit(id string, value json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(value)) == 0 {
		value = nil
	}
	return Encode(Submit{ID: id, Value: value})
}

// IsNull reports whether a reply value is absent or JSON null.
func IsNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || string(v) == "null"
}

// Reader yields decoded messages from a script's stdout. A *DecodeError
// from Next is not fatal: the caller logs it and calls Next again.
type Reader struct {
	dec          *ndjson.Decoder
	previewBytes int
}

type ReaderOptions struct {
	MaxLineBytes int
	PreviewBytes int
}

func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	if opts.PreviewBytes <= 0 {
		opts.PreviewBytes = DefaultPreviewBytes
	}
	return &Reader{
		dec:          ndjson.NewDecoderSize(r, opts.MaxLineBytes),
		previewBytes: opts.PreviewBytes,
	}
}

func (r *Reader) Next() (Message, error) {
	for {
		rec, err := r.dec.Next()
		if err != nil {
			return nil, err
		}
		if rec.TooLong {
			return nil, &DecodeError{Code: CodeLineTooLong, Preview: Preview(rec.Line, r.previewBytes)}
		}
		if len(bytes.TrimSpace(rec.Line)) == 0 {
			continue
		}
		return DecodeWithPreview(rec.Line, r.previewBytes)
	}
}

// IsDecodeError reports whether err is a recoverable per-line error.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
