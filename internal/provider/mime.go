package provider

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// file is an attachment loaded into memory.
type file struct {
	Name        string
	ContentType string
	Content     []byte
}

// loadAttachments reads attachments from disk. Files that cannot be read are
// skipped with a warning.
func loadAttachments(atts []Attachment, logger *zap.Logger) []file {
	files := make([]file, 0, len(atts))
	for _, a := range atts {
		content, err := os.ReadFile(a.Path)
		if err != nil {
			logger.Warn("attachment not readable, skipping",
				zap.String("path", a.Path),
				zap.Error(err),
			)
			continue
		}

		name := a.Filename
		if name == "" {
			name = filepath.Base(a.Path)
		}
		ctype := a.ContentType
		if ctype == "" {
			ctype = mime.TypeByExtension(filepath.Ext(name))
		}
		if ctype == "" {
			ctype = "application/octet-stream"
		}

		files = append(files, file{Name: name, ContentType: ctype, Content: content})
	}
	return files
}

// formatAddress renders a display name and address as an RFC 5322 address.
func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// newMessageID returns a Message-ID in the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// buildMIME renders msg as a complete RFC 5322 message. Text and HTML become
// a multipart/alternative body; attachments wrap it in multipart/mixed.
func buildMIME(msg *Message, messageID string, date time.Time, files []file) ([]byte, error) {
	var buf bytes.Buffer

	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	header("From", formatAddress(msg.FromName, msg.From))
	header("To", formatAddress(msg.ToName, msg.To))
	if msg.ReplyTo != "" {
		header("Reply-To", msg.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", messageID)
	header("MIME-Version", "1.0")

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header(textproto.CanonicalMIMEHeaderKey(k), msg.Headers[k])
	}

	body, ctype, err := alternativeBody(msg)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		header("Content-Type", ctype)
		if !strings.HasPrefix(ctype, "multipart/") {
			header("Content-Transfer-Encoding", "quoted-printable")
		}
		buf.WriteString("\r\n")
		buf.Write(body)
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
	buf.WriteString("\r\n")

	ph := textproto.MIMEHeader{"Content-Type": {ctype}}
	if !strings.HasPrefix(ctype, "multipart/") {
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
	}
	part, err := mixed.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if _, err := part.Write(body); err != nil {
		return nil, fmt.Errorf("write body part: %w", err)
	}

	for _, f := range files {
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(f.ContentType, map[string]string{"name": f.Name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": f.Name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if err := writeBase64(part, f.Content); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", f.Name, err)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

// alternativeBody returns the text body, or a multipart/alternative body when
// HTML is present, with its content type.
func alternativeBody(msg *Message) ([]byte, string, error) {
	if msg.HTML == "" || msg.HTML == msg.Text {
		body, err := quotedPrintable(msg.Text)
		return body, "text/plain; charset=utf-8", err
	}

	var buf bytes.Buffer
	alt := multipart.NewWriter(&buf)
	for _, p := range []struct{ ctype, content string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		part, err := alt.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", fmt.Errorf("create alternative part: %w", err)
		}
		qp := quotedprintable.NewWriter(part)
		if _, err := qp.Write([]byte(p.content)); err != nil {
			return nil, "", fmt.Errorf("write alternative part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, "", fmt.Errorf("flush alternative part: %w", err)
		}
	}
	if err := alt.Close(); err != nil {
		return nil, "", fmt.Errorf("close alternative: %w", err)
	}

	return buf.Bytes(), "multipart/alternative; boundary=" + alt.Boundary(), nil
}

func quotedPrintable(s string) ([]byte, error) {
	var buf bytes.Buffer
	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(s)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 writes content base64 encoded in 76 character lines.
func writeBase64(w io.Writer, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:76]); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", encoded)
	return err
}
