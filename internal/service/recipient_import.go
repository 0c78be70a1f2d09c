package service

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// RecipientInput is one recipient as submitted by a client.
type RecipientInput struct {
	Email string            `json:"email"`
	Name  string            `json:"name"`
	Data  map[string]string `json:"data,omitempty"`
}

// ParseRecipientsCSV reads lines of email,name[,json-object]. Blank lines
// are skipped and a first line whose email column is "email" is treated as a
// header.
func ParseRecipientsCSV(r io.Reader) ([]RecipientInput, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var out []RecipientInput
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("recipients csv: %w", err)
		}
		line++
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		email := strings.TrimSpace(rec[0])
		if line == 1 && strings.EqualFold(email, "email") {
			continue
		}
		in := RecipientInput{Email: email}
		if len(rec) > 1 {
			in.Name = strings.TrimSpace(rec[1])
		}
		if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
			if err := json.Unmarshal([]byte(rec[2]), &in.Data); err != nil {
				return nil, fmt.Errorf("recipients csv line %d: personalization must be a JSON object of strings: %w", line, err)
			}
		}
		out = append(out, in)
	}
	return out, nil
}

// NormalizeRecipients validates addresses and drops case-insensitive
// duplicates, keeping the first occurrence and input order.
func NormalizeRecipients(in []RecipientInput) ([]*model.Recipient, error) {
	seen := make(map[string]bool, len(in))
	out := make([]*model.Recipient, 0, len(in))
	for i, r := range in {
		addr, err := mail.ParseAddress(strings.TrimSpace(r.Email))
		if err != nil {
			return nil, fmt.Errorf("recipient %d: invalid email %q", i+1, r.Email)
		}
		key := strings.ToLower(addr.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = addr.Name
		}
		out = append(out, &model.Recipient{
			Email: addr.Address,
			Name:  name,
			Data:  model.StringMap(r.Data),
		})
	}
	return out, nil
}
