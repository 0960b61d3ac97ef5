package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LocalFile is an in-memory file staged on the client side of a send,
// before any upload has happened.
type LocalFile struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// AttachmentKind discriminates the representations an AttachmentRef can hold.
type AttachmentKind int

const (
	AttachmentNone AttachmentKind = iota
	AttachmentLocal
	AttachmentURL
	AttachmentPath
)

// AttachmentRef is the reference a message carries for its image. Exactly one
// representation is populated at a time: a local in-memory file (pre-upload),
// an absolute URL that is directly displayable, or an opaque storage path
// that requires a signed-URL exchange before display.
type AttachmentRef struct {
	kind AttachmentKind
	file *LocalFile
	url  string
	path string
}

func LocalAttachment(f *LocalFile) AttachmentRef {
	if f == nil {
		return AttachmentRef{}
	}
	return AttachmentRef{kind: AttachmentLocal, file: f}
}

func URLAttachment(url string) AttachmentRef {
	if url == "" {
		return AttachmentRef{}
	}
	return AttachmentRef{kind: AttachmentURL, url: url}
}

func PathAttachment(path string) AttachmentRef {
	if path == "" {
		return AttachmentRef{}
	}
	return AttachmentRef{kind: AttachmentPath, path: path}
}

func (r AttachmentRef) Kind() AttachmentKind { return r.kind }
func (r AttachmentRef) IsZero() bool         { return r.kind == AttachmentNone }
func (r AttachmentRef) File() *LocalFile     { return r.file }
func (r AttachmentRef) URL() string          { return r.url }
func (r AttachmentRef) Path() string         { return r.path }

type attachmentRefJSON struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

func (r AttachmentRef) MarshalJSON() ([]byte, error) {
	switch r.kind {
	case AttachmentNone:
		return []byte("null"), nil
	case AttachmentLocal:
		return json.Marshal(attachmentRefJSON{Kind: "local", Name: r.file.Name})
	case AttachmentURL:
		return json.Marshal(attachmentRefJSON{Kind: "url", URL: r.url})
	case AttachmentPath:
		return json.Marshal(attachmentRefJSON{Kind: "path", Path: r.path})
	default:
		return nil, fmt.Errorf("unknown attachment kind %d", r.kind)
	}
}

func (r *AttachmentRef) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = AttachmentRef{}
		return nil
	}
	var raw attachmentRefJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "", "none":
		*r = AttachmentRef{}
	case "local":
		// Local file bytes do not survive serialization; only the name does.
		*r = AttachmentRef{kind: AttachmentLocal, file: &LocalFile{Name: raw.Name}}
	case "url":
		*r = URLAttachment(raw.URL)
	case "path":
		*r = PathAttachment(raw.Path)
	default:
		return fmt.Errorf("unknown attachment kind %q", raw.Kind)
	}
	return nil
}

// Attachment is a stored upload record backing an opaque storage path.
type Attachment struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	PersonaID string    `json:"persona_id"`
	FileName  string    `json:"file_name"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
