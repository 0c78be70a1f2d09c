// internal/service/template_service.go
package service

import (
	"sort"
	"strings"

	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// RenderTemplate substitutes {{key}} and {key} placeholders in one pass.
// Placeholders without a value are left as they are.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(template, "{") {
		return template
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*4)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k])
	}
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// RenderedContent is a campaign personalized for one recipient.
type RenderedContent struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}

func RenderForRecipient(c *model.Campaign, r model.Recipient) RenderedContent {
	data := r.Personalization()
	return RenderedContent{
		Subject:  RenderTemplate(c.Subject, data),
		HTMLBody: RenderTemplate(c.HTMLBody, data),
	}
}
