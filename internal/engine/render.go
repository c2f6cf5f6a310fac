package engine

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// Classification says how decrypted plaintext should be presented.
type Classification int

const (
	ClassFlat Classification = iota
	ClassMIME
)

// Rendered is decrypted content prepared for display: text and html
// alternatives, inline images resolved by Content-ID, plus any artifacts
// that were embedded in the body and stripped out of it.
type Rendered struct {
	Class Classification

	Text string
	HTML string

	// InlineImages maps Content-ID (angle brackets stripped) to image data
	// for cid: references in the HTML part.
	InlineImages map[string][]byte

	Attachments []RenderedAttachment

	// EmbeddedKeys holds armored public key blocks found in the body, for
	// offering a key import.
	EmbeddedKeys []string

	// RelayLinks holds links into the relay found in the body.
	RelayLinks []string
}

type RenderedAttachment struct {
	Filename string
	Data     []byte
}

var headerLineRe = regexp.MustCompile(`^[!-9;-~]+:`)

// Classify decides between a MIME document and flat text. Plaintext counts
// as MIME when it opens with a header block that declares a content type.
func Classify(plaintext []byte) Classification {
	head := plaintext
	if i := bytes.Index(head, []byte("\n\n")); i > 0 {
		head = head[:i]
	} else if i := bytes.Index(head, []byte("\r\n\r\n")); i > 0 {
		head = head[:i]
	}
	firstLine := head
	if i := bytes.IndexByte(firstLine, '\n'); i > 0 {
		firstLine = bytes.TrimRight(firstLine[:i], "\r")
	}
	if !headerLineRe.Match(firstLine) {
		return ClassFlat
	}
	lower := bytes.ToLower(head)
	if bytes.Contains(lower, []byte("content-type:")) || bytes.Contains(lower, []byte("mime-version:")) {
		return ClassMIME
	}
	return ClassFlat
}

// Render turns decrypted plaintext into displayable content. relayBaseURL
// is used to recognize links into the relay; pass "" to skip link
// extraction.
func (d *Decrypter) Render(plaintext []byte, relayBaseURL string) (*Rendered, error) {
	out := &Rendered{
		Class:        Classify(plaintext),
		InlineImages: map[string][]byte{},
	}

	if out.Class == ClassFlat {
		out.Text = string(plaintext)
	} else {
		entity, err := message.Read(bytes.NewReader(plaintext))
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to parse decrypted mime: %w", err)
		}
		if err := collectParts(entity, out); err != nil {
			return nil, err
		}
	}

	out.Text = extractArtifacts(out.Text, relayBaseURL, out)
	out.HTML = extractArtifacts(out.HTML, relayBaseURL, out)
	return out, nil
}

func collectParts(entity *message.Entity, out *Rendered) error {
	mr := entity.MultipartReader()
	if mr == nil {
		return collectLeaf(entity, out)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read mime part: %w", err)
		}
		if err := collectParts(part, out); err != nil {
			return err
		}
	}
}

func collectLeaf(entity *message.Entity, out *Rendered) error {
	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read mime part body: %w", err)
	}

	switch {
	case mediaType == "text/plain" && out.Text == "":
		out.Text = string(body)
	case mediaType == "text/html" && out.HTML == "":
		out.HTML = string(body)
	case strings.HasPrefix(mediaType, "image/") && entity.Header.Get("Content-Id") != "":
		cid := strings.Trim(entity.Header.Get("Content-Id"), "<> ")
		out.InlineImages[cid] = body
	default:
		filename := partFilename(entity)
		if filename == "" {
			filename = "attachment"
		}
		out.Attachments = append(out.Attachments, RenderedAttachment{Filename: filename, Data: body})
	}
	return nil
}

func partFilename(entity *message.Entity) string {
	if _, params, err := entity.Header.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	if _, params, err := entity.Header.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

const (
	pubkeyBegin = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	pubkeyEnd   = "-----END PGP PUBLIC KEY BLOCK-----"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// extractArtifacts pulls embedded public key blocks and relay links out of
// body text, returning the body with the key blocks removed.
func extractArtifacts(body, relayBaseURL string, out *Rendered) string {
	for {
		i := strings.Index(body, pubkeyBegin)
		if i < 0 {
			break
		}
		j := strings.Index(body[i:], pubkeyEnd)
		if j < 0 {
			break
		}
		end := i + j + len(pubkeyEnd)
		out.EmbeddedKeys = append(out.EmbeddedKeys, body[i:end])
		body = body[:i] + body[end:]
	}

	if relayBaseURL != "" {
		for _, u := range urlRe.FindAllString(body, -1) {
			if strings.HasPrefix(u, relayBaseURL) {
				out.RelayLinks = append(out.RelayLinks, u)
			}
		}
	}
	return body
}
