package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlink/pilot-swe/internal/dispatcher"
	gh "github.com/stellarlink/pilot-swe/internal/github"
	"github.com/stellarlink/pilot-swe/internal/guard"
	"github.com/stellarlink/pilot-swe/internal/task"
)

// JobDispatcher enqueues jobs for asynchronous execution.
type JobDispatcher interface {
	Enqueue(job *dispatcher.Job) error
}

// PullHeadResolver looks up the head branch of a pull request. Comment
// events on pull requests do not carry it.
type PullHeadResolver interface {
	HeadBranch(ctx context.Context, repo string, number int) (string, error)
}

// Handler turns webhook deliveries into pipeline jobs. It does the cheap
// checks (signature, trigger keyword, duplicates, installer permission);
// the authoritative safety decision belongs to the guard inside the
// pipeline.
type Handler struct {
	webhookSecret  string
	triggerKeyword string
	dispatcher     JobDispatcher
	heads          PullHeadResolver
	appAuth        gh.AuthProvider
	issueDeduper   *commentDeduper
	reviewDeduper  *commentDeduper
}

func NewHandler(webhookSecret, triggerKeyword string, d JobDispatcher, heads PullHeadResolver, appAuth gh.AuthProvider) *Handler {
	return &Handler{
		webhookSecret:  webhookSecret,
		triggerKeyword: triggerKeyword,
		dispatcher:     d,
		heads:          heads,
		appAuth:        appAuth,
		issueDeduper:   newCommentDeduper(12 * time.Hour),
		reviewDeduper:  newCommentDeduper(12 * time.Hour),
	}
}

// Handle is the HTTP entrypoint for webhook deliveries.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Webhook] Error reading payload: %v", err)
		http.Error(w, "Error reading payload", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if err := ValidateSignatureHeader(signature); err != nil {
		log.Printf("[Webhook] Invalid signature header: %v", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	if !VerifySignature(payload, signature, h.webhookSecret) {
		log.Printf("[Webhook] Signature verification failed")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	switch eventType := r.Header.Get("X-GitHub-Event"); eventType {
	case "issues":
		h.handleIssues(w, r, payload)
	case "issue_comment":
		h.handleIssueComment(w, r, payload)
	case "pull_request_review_comment":
		h.handleReviewComment(w, r, payload)
	default:
		log.Printf("[Webhook] Ignoring unsupported event type: %s", eventType)
		respond(w, http.StatusOK, "Event ignored")
	}
}

func (h *Handler) handleIssues(w http.ResponseWriter, r *http.Request, payload []byte) {
	var event IssuesEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("[Webhook] Error parsing issues event: %v", err)
		http.Error(w, "Error parsing event", http.StatusBadRequest)
		return
	}

	if event.Action != "opened" {
		respond(w, http.StatusOK, "Issue action ignored")
		return
	}
	if !strings.Contains(event.Issue.Body, h.triggerKeyword) {
		respond(w, http.StatusOK, "No trigger keyword found")
		return
	}
	if !h.verifyPermission(event.Repository.FullName, event.Sender.Login) {
		respond(w, http.StatusOK, "Permission denied")
		return
	}

	t := task.NormalizeIssue(event.Repository.FullName, event.Issue.Number, event.Issue.Title, event.Issue.Body, event.Sender.Login)
	h.enqueue(w, t, invocationFor(event.Sender, event.Issue.Body))
}

func (h *Handler) handleIssueComment(w http.ResponseWriter, r *http.Request, payload []byte) {
	var event IssueCommentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("[Webhook] Error parsing issue_comment event: %v", err)
		http.Error(w, "Error parsing event", http.StatusBadRequest)
		return
	}

	if event.Action != "created" {
		respond(w, http.StatusOK, "Comment action ignored")
		return
	}
	if !strings.Contains(event.Comment.Body, h.triggerKeyword) {
		respond(w, http.StatusOK, "No trigger keyword found")
		return
	}
	if !h.verifyPermission(event.Repository.FullName, event.Comment.User.Login) {
		respond(w, http.StatusOK, "Permission denied")
		return
	}
	if !h.issueDeduper.markIfNew(event.Comment.ID) {
		log.Printf("[Webhook] Ignoring duplicate issue comment id=%d", event.Comment.ID)
		respond(w, http.StatusOK, "Duplicate comment ignored")
		return
	}

	repo := event.Repository.FullName
	inv := invocationFor(event.Comment.User, event.Comment.Body)

	if event.Issue.PullRequest != nil {
		// Reviewer feedback on an open change request.
		head, err := h.heads.HeadBranch(r.Context(), repo, event.Issue.Number)
		if err != nil {
			log.Printf("[Webhook] Failed to resolve head branch for %s#%d: %v", repo, event.Issue.Number, err)
			http.Error(w, "Failed to resolve pull request", http.StatusInternalServerError)
			return
		}
		t := task.NormalizeFeedback(repo, event.Issue.Number, event.Issue.Title, event.Issue.Body, event.Comment.User.Login, head, []string{event.Comment.Body})
		h.enqueue(w, t, inv)
		return
	}

	body := event.Issue.Body
	if instructions := strings.TrimSpace(event.Comment.Body); instructions != "" {
		body += "\n\n" + instructions
	}
	t := task.NormalizeIssue(repo, event.Issue.Number, event.Issue.Title, body, event.Comment.User.Login)
	h.enqueue(w, t, inv)
}

func (h *Handler) handleReviewComment(w http.ResponseWriter, r *http.Request, payload []byte) {
	var event PullRequestReviewCommentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("[Webhook] Error parsing review comment event: %v", err)
		http.Error(w, "Error parsing event", http.StatusBadRequest)
		return
	}

	if event.Action != "created" {
		respond(w, http.StatusOK, "Comment action ignored")
		return
	}
	if !strings.Contains(event.Comment.Body, h.triggerKeyword) {
		respond(w, http.StatusOK, "No trigger keyword found")
		return
	}
	if !h.verifyPermission(event.Repository.FullName, event.Comment.User.Login) {
		respond(w, http.StatusOK, "Permission denied")
		return
	}
	if !h.reviewDeduper.markIfNew(event.Comment.ID) {
		log.Printf("[Webhook] Ignoring duplicate review comment id=%d", event.Comment.ID)
		respond(w, http.StatusOK, "Duplicate comment ignored")
		return
	}

	feedback := event.Comment.Body
	if event.Comment.Path != "" {
		feedback = "On `" + event.Comment.Path + "`:\n" + feedback
	}

	t := task.NormalizeFeedback(
		event.Repository.FullName,
		event.PullRequest.Number,
		event.PullRequest.Title,
		event.PullRequest.Body,
		event.Comment.User.Login,
		event.PullRequest.Head.Ref,
		[]string{feedback},
	)
	h.enqueue(w, t, invocationFor(event.Comment.User, event.Comment.Body))
}

func (h *Handler) enqueue(w http.ResponseWriter, t *task.Task, inv guard.Invocation) {
	if err := h.dispatcher.Enqueue(&dispatcher.Job{Task: t, Invocation: inv}); err != nil {
		log.Printf("[Webhook] Failed to enqueue %s#%d: %v", t.Repo, t.Number, err)
		http.Error(w, "Failed to enqueue", http.StatusServiceUnavailable)
		return
	}
	log.Printf("[Webhook] Queued %s task for %s#%d", t.Kind, t.Repo, t.Number)
	respond(w, http.StatusAccepted, "Task queued")
}

// verifyPermission restricts triggers to the account the app is installed
// under. A lookup failure denies: better to drop a trigger than act for an
// unverified caller.
func (h *Handler) verifyPermission(repo, login string) bool {
	if h.appAuth == nil {
		return true
	}
	owner, err := h.appAuth.GetInstallationOwner(repo)
	if err != nil {
		log.Printf("[Webhook] Failed to resolve installation owner for %s: %v", repo, err)
		return false
	}
	if !strings.EqualFold(owner, login) {
		log.Printf("[Webhook] Permission denied: %s is not the installation owner of %s", login, repo)
		return false
	}
	return true
}

// invocationFor captures the caller identity and loop counters for the
// guard. The dispatch-depth marker rides in comment bodies automation
// posts; its presence marks the review handoff.
func invocationFor(u User, content string) guard.Invocation {
	depth := guard.DispatchDepthFromContent(content)
	return guard.Invocation{
		Actor:             u.Login,
		ActorIsBot:        u.Type == "Bot",
		FromReviewHandoff: depth > 0,
		DispatchDepth:     depth,
	}
}

func respond(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	w.Write([]byte(msg))
}
