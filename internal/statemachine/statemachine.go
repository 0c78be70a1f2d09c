// Package statemachine governs campaign lifecycle transitions.
package statemachine

import (
	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
)

type Event string

const (
	EventPrepare     Event = "prepare"
	EventPlanSucceed Event = "mark ready"
	EventPlanFail    Event = "revert to draft"
	EventSend        Event = "send"
	EventPause       Event = "pause"
	EventResume      Event = "resume"
	EventComplete    Event = "complete"
	EventFail        Event = "fail"
)

type edge struct {
	from  model.CampaignStatus
	event Event
}

var transitions = map[edge]model.CampaignStatus{
	{model.CampaignDraft, EventPrepare}:         model.CampaignPreparing,
	{model.CampaignPreparing, EventPlanSucceed}: model.CampaignReady,
	{model.CampaignPreparing, EventPlanFail}:    model.CampaignDraft,
	{model.CampaignReady, EventSend}:            model.CampaignSending,
	{model.CampaignSending, EventPause}:         model.CampaignPaused,
	{model.CampaignPaused, EventResume}:         model.CampaignSending,
	{model.CampaignPaused, EventSend}:           model.CampaignSending,
	{model.CampaignSending, EventComplete}:      model.CampaignCompleted,
	{model.CampaignSending, EventFail}:          model.CampaignFailed,
}

// Next returns the status reached by applying event to current, or an
// InvalidStateTransitionError if the lifecycle does not allow it.
func Next(current model.CampaignStatus, event Event) (model.CampaignStatus, error) {
	to, ok := transitions[edge{current, event}]
	if !ok {
		return current, appErrors.NewInvalidStateTransition(string(current), string(event))
	}
	return to, nil
}

// Can reports whether event is legal from current.
func Can(current model.CampaignStatus, event Event) bool {
	_, ok := transitions[edge{current, event}]
	return ok
}

// Terminal reports whether no further dispatch can happen from s.
func Terminal(s model.CampaignStatus) bool {
	return s == model.CampaignCompleted || s == model.CampaignFailed
}

// AllStatuses lists every campaign status.
func AllStatuses() []model.CampaignStatus {
	return []model.CampaignStatus{
		model.CampaignDraft,
		model.CampaignPreparing,
		model.CampaignReady,
		model.CampaignSending,
		model.CampaignPaused,
		model.CampaignCompleted,
		model.CampaignFailed,
	}
}

// AllEvents lists every lifecycle event.
func AllEvents() []Event {
	return []Event{EventPrepare, EventPlanSucceed, EventPlanFail, EventSend, EventPause, EventResume, EventComplete, EventFail}
}
