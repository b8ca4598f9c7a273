// Package server exposes the webhook receiver and the volunteer command
// endpoint over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"github.com/gorilla/mux"

	"github.com/opencollab/issue-volunteer/internal/assign"
	"github.com/opencollab/issue-volunteer/internal/db"
	"github.com/opencollab/issue-volunteer/internal/notify"
	"github.com/opencollab/issue-volunteer/internal/reconcile"
)

// Server routes inbound HTTP traffic to the reconciler and coordinator.
type Server struct {
	router         *mux.Router
	store          *db.DB
	reconciler     *reconcile.Reconciler
	coordinator    *assign.Coordinator
	notifier       notify.Notifier
	webhookSecret  []byte
	defaultChannel string
	log            *slog.Logger
}

// New wires the HTTP surface. defaultChannel receives notifications for
// requests that don't name a channel of their own.
func New(store *db.DB, reconciler *reconcile.Reconciler, coordinator *assign.Coordinator,
	notifier notify.Notifier, webhookSecret, defaultChannel string, log *slog.Logger) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		store:          store,
		reconciler:     reconciler,
		coordinator:    coordinator,
		notifier:       notifier,
		webhookSecret:  []byte(webhookSecret),
		defaultChannel: defaultChannel,
		log:            log,
	}
	s.router.HandleFunc("/webhook/github", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/volunteer", s.handleVolunteer).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleWebhook verifies the delivery signature, parses the event and hands
// it to the reconciler. Errors return 500 so GitHub redelivers; duplicate
// deliveries are safe because reconciliation is idempotent.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := gh.ValidatePayload(r, s.webhookSecret)
	if err != nil {
		s.log.Warn("rejected webhook delivery", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	event, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		s.log.Warn("unparseable webhook payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := s.reconciler.Reconcile(r.Context(), event); err != nil {
		s.log.Error("reconciliation failed", "type", gh.WebHookType(r), "error", err)
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type volunteerRequest struct {
	SlackUserID string `json:"slack_user_id"`
	ChannelID   string `json:"channel_id"`
}

type volunteerResponse struct {
	Outcome string `json:"outcome"`
	Number  int    `json:"number,omitempty"`
	Repo    string `json:"repo,omitempty"`
}

// handleVolunteer resolves the requesting user, builds the candidate list
// from open workflows and runs the coordinator. The outcome is rendered to a
// short channel message; internals are never exposed.
func (s *Server) handleVolunteer(w http.ResponseWriter, r *http.Request) {
	var req volunteerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SlackUserID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	volunteer, err := s.store.GetUserBySlackID(ctx, req.SlackUserID)
	if errors.Is(err, db.ErrNotFound) {
		s.respond(ctx, w, req.ChannelID, assign.Outcome{Kind: assign.NeedsIdentityLink})
		return
	}
	if err != nil {
		s.log.Error("user lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items, err := s.store.ListOpenWorkflowItems(ctx)
	if err != nil {
		s.log.Error("candidate listing failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	candidates := make([]int64, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, item.ID)
	}

	outcome, err := s.coordinator.Assign(ctx, assign.Request{
		Candidates:  candidates,
		Volunteer:   volunteer,
		RequesterID: req.SlackUserID,
		ChannelID:   req.ChannelID,
	})
	if err != nil {
		s.log.Error("assignment failed", "user", req.SlackUserID, "error", err)
		s.notify(ctx, req.ChannelID, "Sorry, something went wrong while assigning an item. Please try again.")
		http.Error(w, "assignment failed", http.StatusInternalServerError)
		return
	}
	s.respond(ctx, w, req.ChannelID, outcome)
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, channelID string, outcome assign.Outcome) {
	s.notify(ctx, channelID, renderOutcome(outcome))

	resp := volunteerResponse{Outcome: string(outcome.Kind)}
	if outcome.Item != nil {
		resp.Number = outcome.Item.Number
		resp.Repo = outcome.Item.Repository.URL
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) notify(ctx context.Context, channelID, text string) {
	if channelID == "" {
		channelID = s.defaultChannel
	}
	if channelID == "" {
		return
	}
	if err := s.notifier.Post(ctx, channelID, text); err != nil {
		s.log.Warn("notification failed", "channel", channelID, "error", err)
	}
}

func renderOutcome(outcome assign.Outcome) string {
	switch outcome.Kind {
	case assign.Assigned:
		return fmt.Sprintf("You're on it! Assigned %s#%d.",
			outcome.Item.Repository.Name, outcome.Item.Number)
	case assign.AlreadyVolunteering:
		return fmt.Sprintf("You're already volunteering on %s#%d. Finish that one first.",
			outcome.Item.Repository.Name, outcome.Item.Number)
	case assign.NeedsIdentityLink:
		return "Your GitHub account isn't linked yet. Link it first, then try again."
	case assign.RemoteConflict:
		return "All open items were claimed by someone else in the meantime. Try again shortly."
	default:
		return "There's nothing open to volunteer for right now."
	}
}
