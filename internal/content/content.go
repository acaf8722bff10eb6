// Package content defines the typed payloads carried by document blocks.
// The content column itself stays an opaque string in the store; this
// package is the single place that knows how each block kind encodes it.
package content

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindText    Kind = "text"
	KindTable   Kind = "table"
	KindTodo    Kind = "todo"
	KindImage   Kind = "image"
	KindYoutube Kind = "youtube"
)

// ValidKind reports whether kind names a known block type.
func ValidKind(kind string) bool {
	switch Kind(kind) {
	case KindText, KindTable, KindTodo, KindImage, KindYoutube:
		return true
	default:
		return false
	}
}

// Payload is the decoded form of a block's content column.
type Payload interface {
	Kind() Kind
	Encode() (string, error)
}

// Text is rich HTML, stored verbatim.
type Text string

// Table is a 2-D grid of cell values, stored as JSON.
type Table [][]string

// Todo is a single checklist item, stored as JSON.
type Todo struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// Image is an image URL or data payload, stored verbatim.
type Image string

// Youtube is a video identifier, stored verbatim.
type Youtube string

func (Text) Kind() Kind    { return KindText }
func (Table) Kind() Kind   { return KindTable }
func (Todo) Kind() Kind    { return KindTodo }
func (Image) Kind() Kind   { return KindImage }
func (Youtube) Kind() Kind { return KindYoutube }

func (t Text) Encode() (string, error)  { return string(t), nil }
func (i Image) Encode() (string, error) { return string(i), nil }
func (y Youtube) Encode() (string, error) {
	return string(y), nil
}

func (t Table) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode table: %w", err)
	}
	return string(raw), nil
}

func (t Todo) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode todo: %w", err)
	}
	return string(raw), nil
}

// Decode parses a stored content column according to the block kind.
func Decode(kind Kind, raw string) (Payload, error) {
	switch kind {
	case KindText:
		return Text(raw), nil
	case KindTable:
		var t Table
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode table: %w", err)
		}
		return t, nil
	case KindTodo:
		var t Todo
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode todo: %w", err)
		}
		return t, nil
	case KindImage:
		return Image(raw), nil
	case KindYoutube:
		return Youtube(raw), nil
	default:
		return nil, fmt.Errorf("unknown block kind %q", kind)
	}
}

// Default returns the content a freshly added block of the given kind
// starts with: an empty 3x3 grid for tables, a placeholder task for
// todos, an empty string otherwise.
func Default(kind Kind) string {
	switch kind {
	case KindTable:
		encoded, _ := Table{
			{"", "", ""},
			{"", "", ""},
			{"", "", ""},
		}.Encode()
		return encoded
	case KindTodo:
		encoded, _ := Todo{Text: "New task", Checked: false}.Encode()
		return encoded
	default:
		return ""
	}
}
