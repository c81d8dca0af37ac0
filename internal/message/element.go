// ABOUTME: Message chain elements exchanged with the bridge
// ABOUTME: Each element marshals to a {"type": ...} object; Local marks an unprepared resource

package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnprepared is returned when a chain still holding a Local element is
// serialized. Local resources must be uploaded first.
var ErrUnprepared = errors.New("message chain holds an unprepared local resource")

// Element is one component of a message chain.
type Element interface {
	ElementType() string
}

// Plain is a run of text.
type Plain struct {
	Text string `json:"text"`
}

func (Plain) ElementType() string { return "Plain" }

// Image references an uploaded or remote image.
type Image struct {
	ImageID string `json:"imageId,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (Image) ElementType() string { return "Image" }

// Voice references an uploaded or remote voice clip.
type Voice struct {
	VoiceID string `json:"voiceId,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (Voice) ElementType() string { return "Voice" }

// At mentions a group member.
type At struct {
	Target  int64  `json:"target"`
	Display string `json:"display,omitempty"`
}

func (At) ElementType() string { return "At" }

// AtAll mentions everyone in a group.
type AtAll struct{}

func (AtAll) ElementType() string { return "AtAll" }

// Face is a built-in emoticon.
type Face struct {
	FaceID int    `json:"faceId"`
	Name   string `json:"name,omitempty"`
}

func (Face) ElementType() string { return "Face" }

// Source identifies the message a chain belongs to. It is always first in
// inbound chains.
type Source struct {
	ID   int64 `json:"id"`
	Time int64 `json:"time"`
}

func (Source) ElementType() string { return "Source" }

// Raw is any element this package does not model, kept verbatim.
type Raw struct {
	Type string
	Data json.RawMessage
}

func (r Raw) ElementType() string { return r.Type }

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Data) > 0 {
		return r.Data, nil
	}
	return json.Marshal(map[string]string{"type": r.Type})
}

// LocalKind says which upload route a Local resource takes.
type LocalKind string

const (
	LocalImage LocalKind = "image"
	LocalVoice LocalKind = "voice"
)

// Local is an attachment that has not been uploaded yet. Exactly one of Path
// or Data is set. Digest, when set, is checked against the published resource
// ("sha256:<hex>", "md5:<hex>", "sha1:<hex>" or "blake2b:<hex>").
type Local struct {
	Kind   LocalKind
	Path   string
	Data   []byte
	Name   string
	Digest string
	Verify bool
}

func (l Local) ElementType() string { return "Local" }

func (l Local) MarshalJSON() ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnprepared, l.describe())
}

func (l Local) describe() string {
	if l.Path != "" {
		return l.Path
	}
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%d bytes", len(l.Data))
}

func marshalTyped(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(typ)
	return json.Marshal(fields)
}

// MarshalElement encodes e with its type tag.
func MarshalElement(e Element) ([]byte, error) {
	switch v := e.(type) {
	case Raw:
		return v.MarshalJSON()
	case Local:
		return v.MarshalJSON()
	case *Local:
		return v.MarshalJSON()
	default:
		return marshalTyped(e.ElementType(), e)
	}
}

// UnmarshalElement decodes one tagged element. Unknown types become Raw.
func UnmarshalElement(data json.RawMessage) (Element, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decoding element: %w", err)
	}

	var el Element
	var err error
	switch tag.Type {
	case "Plain":
		var v Plain
		err = json.Unmarshal(data, &v)
		el = v
	case "Image":
		var v Image
		err = json.Unmarshal(data, &v)
		el = v
	case "Voice":
		var v Voice
		err = json.Unmarshal(data, &v)
		el = v
	case "At":
		var v At
		err = json.Unmarshal(data, &v)
		el = v
	case "AtAll":
		el = AtAll{}
	case "Face":
		var v Face
		err = json.Unmarshal(data, &v)
		el = v
	case "Source":
		var v Source
		err = json.Unmarshal(data, &v)
		el = v
	case "":
		return nil, errors.New("decoding element: missing type")
	default:
		el = Raw{Type: tag.Type, Data: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s element: %w", tag.Type, err)
	}
	return el, nil
}
