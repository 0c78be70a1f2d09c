// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Progress        *service.ProgressReporter
}

// Routes mounts the campaign endpoints.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", c.GetCampaignDetails)
		r.Delete("/", c.DeleteCampaign)
		r.Post("/prepare", c.PrepareCampaign)
		r.Post("/send", c.SendCampaign)
		r.Post("/pause", c.PauseCampaign)
		r.Get("/progress", c.GetProgress)
		r.Get("/assignments", c.GetAssignments)
		r.Post("/personalized-preview", c.PersonalizedPreview)
		r.Post("/test-email", c.SendTestEmail)
		r.Get("/recipients", c.ListRecipients)
		r.Post("/recipients", c.AddRecipients)
		r.Delete("/recipients", c.DeleteRecipients)
	})
}

// decodeBody tolerates an empty body.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return appErrors.NewValidation("body", "invalid body")
	}
	return nil
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, appErrors.NewValidation("body", "invalid body"))
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) PrepareCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		GroupIDs []int `json:"group_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	result, err := c.CampaignService.Prepare(r.Context(), id, body.GroupIDs)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// SendCampaign queues a dispatch job; progress is polled separately.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}

	queued, err := c.CampaignService.StartSending(r.Context(), id, body.Strategy)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, queued)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := c.CampaignService.Pause(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": "paused"})
}

func (c *CampaignController) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	snapshot, err := c.Progress.Progress(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

func (c *CampaignController) GetAssignments(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	breakdown, err := c.CampaignService.ListAssignments(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"identities":  breakdown,
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}

	var body struct {
		RecipientID      int     `json:"recipient_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, appErrors.NewValidation("body", "invalid body"))
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), campaignID, body.RecipientID, body.OverrideTemplate)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subject":       rendered.Subject,
		"html_body":     rendered.HTMLBody,
		"used_template": body.OverrideTemplate,
		"recipient_id":  body.RecipientID,
	})
}

func (c *CampaignController) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		TestEmail string `json:"test_email"`
	}
	if err := decodeBody(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	result, err := c.CampaignService.SendTestEmail(r.Context(), id, body.TestEmail)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (c *CampaignController) ListRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	recipients, err := c.CampaignService.ListRecipients(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"data": recipients, "count": len(recipients)})
}

func (c *CampaignController) AddRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		Recipients []service.RecipientInput `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, appErrors.NewValidation("body", "invalid body"))
		return
	}
	added, err := c.CampaignService.AddRecipients(r.Context(), id, body.Recipients)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]int{"campaign_id": id, "added": added})
}

func (c *CampaignController) DeleteRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var body struct {
		RecipientIDs []int `json:"recipient_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.RecipientIDs) == 0 {
		WriteError(w, appErrors.NewValidation("recipient_ids", "at least one id is required"))
		return
	}
	deleted, err := c.CampaignService.DeleteRecipients(r.Context(), id, body.RecipientIDs)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"campaign_id": id, "deleted": deleted})
}
