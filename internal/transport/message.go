package transport

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"
)

// reservedHeaders are written by BuildMIME and cannot be overridden by
// campaign custom headers.
var reservedHeaders = map[string]bool{
	"from":                      true,
	"to":                        true,
	"subject":                   true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// BuildMIME renders msg as a single-part HTML message.
func BuildMIME(msg Message) ([]byte, error) {
	if msg.From == "" || msg.To == "" {
		return nil, fmt.Errorf("message requires sender and recipient addresses")
	}
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = msg.From
	}

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	writeHeader("From", formatAddress(msg.FromName, msg.From))
	writeHeader("To", formatAddress(msg.ToName, msg.To))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))

	custom := map[string]string{}
	for k, v := range msg.Headers {
		k = strings.TrimSpace(k)
		if k == "" || reservedHeaders[strings.ToLower(k)] || strings.ContainsAny(k+v, "\r\n") {
			continue
		}
		custom[k] = v
	}
	if !hasHeader(custom, "Reply-To") {
		custom["Reply-To"] = replyTo
	}
	if !hasHeader(custom, "List-Unsubscribe") {
		custom["List-Unsubscribe"] = fmt.Sprintf("<mailto:%s?subject=unsubscribe>", replyTo)
	}
	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(k, custom[k])
	}

	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/html; charset="utf-8"`)
	writeHeader("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.HTMLBody)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
