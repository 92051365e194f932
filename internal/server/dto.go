package server

import (
	"time"

	"claimwatch/internal/domain"
	"claimwatch/internal/engine"
)

// Request payloads

type CommentEventRequest struct {
	EventID      string     `json:"event_id" minLength:"1"`
	Repository   string     `json:"repository" pattern:"^[^/\\s]+/[^/\\s]+$"`
	IssueNumber  int        `json:"issue_number" minimum:"1"`
	Author       string     `json:"author" minLength:"1"`
	Body         string     `json:"body"`
	IsMaintainer bool       `json:"is_maintainer,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty" format:"date-time"`
}

func (r CommentEventRequest) event() domain.CommentEvent {
	ev := domain.CommentEvent{
		EventID:      r.EventID,
		Repository:   r.Repository,
		IssueNumber:  r.IssueNumber,
		Author:       r.Author,
		Body:         r.Body,
		IsMaintainer: r.IsMaintainer,
	}
	if r.Timestamp != nil {
		ev.Timestamp = r.Timestamp.UTC()
	}
	return ev
}

type OverrideRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ExtendGraceRequest struct {
	Days int `json:"days" minimum:"1"`
}

// Response payloads

type SubmitResponse struct {
	JobID  int64 `json:"job_id,omitempty"`
	Queued bool  `json:"queued"`
}

type OutcomeResponse struct {
	Outcome          string `json:"outcome"`
	ClaimID          int64  `json:"claim_id,omitempty"`
	IsClaim          bool   `json:"is_claim"`
	IsProgressUpdate bool   `json:"is_progress_update"`
	IsQuestion       bool   `json:"is_question"`
	Confidence       int    `json:"confidence"`
	Rule             string `json:"rule,omitempty"`
}

func outcomeResponse(out engine.Outcome) OutcomeResponse {
	return OutcomeResponse{
		Outcome:          string(out.Kind),
		ClaimID:          out.ClaimID,
		IsClaim:          out.Match.IsClaim,
		IsProgressUpdate: out.Match.IsProgressUpdate,
		IsQuestion:       out.Match.IsQuestion,
		Confidence:       out.Match.Confidence,
		Rule:             out.Match.Rule,
	}
}

type ClaimSummary struct {
	Claim domain.Claim `json:"claim"`
	Issue domain.Issue `json:"issue"`
}

type paginatedClaims struct {
	Items      []ClaimSummary `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type JobList struct {
	Items []domain.QueueJob `json:"items"`
}
