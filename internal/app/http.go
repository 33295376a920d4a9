package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taigalike/api/internal/apperr"
	"taigalike/api/internal/authpw"
	"taigalike/api/internal/ordering"
	"taigalike/api/internal/store"
	"taigalike/api/internal/throttle"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger

	signinLimit     *throttle.Limiter
	signupLimit     *throttle.Limiter
	membershipLimit *throttle.Limiter
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	cfg := service.cfg
	return &HTTPServer{
		service:         service,
		corsOrigin:      corsOrigin,
		log:             log,
		signinLimit:     throttle.New(cfg.ThrottleSignInPerMinute, time.Minute),
		signupLimit:     throttle.New(cfg.ThrottleSignUpPerHour, time.Hour),
		membershipLimit: throttle.New(cfg.ThrottleMembershipsPerHour, time.Hour),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	if timeout := s.service.cfg.RequestTimeout; timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Version", "Order-Updated"},
		MaxAge:         300,
	}))
	r.Use(middleware.SetHeader("Content-Type", "application/json"))
	r.Use(middleware.SetHeader("Cache-Control", "no-store"))
	r.Use(s.authenticate)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apperr.NotFound("route not found"), s.log)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"kind": "bad_request", "error": "method not allowed"})
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/auth", func(r chi.Router) {
		r.With(s.throttle(s.signupLimit, clientAddr)).Post("/signup", s.handleSignUp)
		r.With(s.throttle(s.signinLimit, clientAddr)).Post("/signin", s.handleSignIn)
	})
	r.Route("/api/application-tokens", func(r chi.Router) {
		r.Post("/authorize", s.handleAuthorizeApplication)
		r.Post("/validate", s.handleValidateApplication)
	})

	r.Route("/api/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Post("/transfer_accept", s.handleTransferAccept)
		r.Post("/transfer_reject", s.handleTransferReject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Patch("/", s.handleUpdateProject)
			r.Put("/permissions", s.handleProjectPermissions)
			r.Post("/block", s.handleBlockProject)
			r.Get("/capabilities", s.handleCapabilities)
			r.Get("/history", s.handleProjectHistory)
			r.Post("/transfer_start", s.handleTransferStart)
			r.Post("/roles", s.handleCreateRole)
			r.With(s.throttle(s.membershipLimit, actorOrAddr)).Post("/memberships", s.handleCreateMembership)
			r.Put("/notify-policy", s.handleNotifyPolicy)
			r.Post("/entities/{kind}", s.handleCreateEntity)
			r.Post("/order/{kind}/{field}", s.handleBulkOrder)
			r.Get("/webhooks", s.handleListWebhooks)
			r.Post("/webhooks", s.handleCreateWebhook)
		})
	})

	r.Route("/api/entities/{kind}/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetEntity)
		r.Put("/", s.handleWriteEntity(ModeReplace))
		r.Patch("/", s.handleWriteEntity(ModePatch))
		r.Delete("/", s.handleDeleteEntity)
		r.Post("/comment", s.handleComment)
		r.Post("/watch", s.handleWatch(true))
		r.Post("/unwatch", s.handleWatch(false))
		r.Get("/history", s.handleEntityHistory)
		r.Post("/related", s.handleRelateStory)
	})

	r.Route("/api/history/{snapshotID}", func(r chi.Router) {
		r.Post("/delete_comment", s.handleDeleteComment)
		r.Post("/undelete_comment", s.handleUndeleteComment)
		r.Post("/edit_comment", s.handleEditComment)
	})

	r.Post("/api/webhooks/{webhookID}/test", s.handleTestWebhook)
	r.Get("/api/webhooks/{webhookID}/logs", s.handleWebhookLogs)
	r.Post("/api/webhooklogs/{logID}/resend", s.handleResendWebhookLog)
	return r
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	actorKey
)

// requestLog assigns a request id and writes one line per request.
func (s *HTTPServer) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))
		w.Header().Set("X-Request-ID", requestID)

		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

// authenticate resolves the bearer token, when one is sent. Requests without
// a token continue anonymously; an invalid token is rejected outright.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, err := s.service.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err, s.log)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, user)))
	})
}

func actorFrom(r *http.Request) *store.User {
	user, _ := r.Context().Value(actorKey).(*store.User)
	return user
}

// throttle refuses requests once the caller identified by key has spent its
// allowance.
func (s *HTTPServer) throttle(limit *throttle.Limiter, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limit.Allow(key(r)) {
				retry := int(math.Ceil(limit.RetryAfter().Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, apperr.Throttled("request was throttled"), s.log)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func actorOrAddr(r *http.Request) string {
	if user := actorFrom(r); user != nil {
		return "user:" + user.ID
	}
	return "addr:" + clientAddr(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	user, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		FullName: body.FullName,
	})
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusCreated, userView(user))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	resp, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	out := userView(resp.User)
	out["auth_token"] = resp.Token
	out["expires_at"] = resp.ExpiresAt.Unix()
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleAuthorizeApplication(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Application string `json:"application"`
		State       string `json:"state"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	out, err := s.service.AuthorizeApplication(r.Context(), actorFrom(r), body.Application, body.State)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleValidateApplication(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Application string `json:"application"`
		AuthCode    string `json:"auth_code"`
		State       string `json:"state"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	token, err := s.service.ValidateApplication(r.Context(), body.Application, body.AuthCode, body.State)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body ProjectInput
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.service.CreateProject(r.Context(), actorFrom(r), body)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeVersion(w, res.Project.Version)
	writeJSON(w, http.StatusCreated, projectView(res.Project))
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.GetProject(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, projectView(project))
}

func (s *HTTPServer) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var body ProjectPatch
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.service.UpdateProject(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeVersion(w, res.Project.Version)
	writeJSON(w, http.StatusOK, projectView(res.Project))
}

func (s *HTTPServer) handleProjectPermissions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version           *int64   `json:"version"`
		AnonPermissions   []string `json:"anon_permissions"`
		PublicPermissions []string `json:"public_permissions"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.service.UpdateProjectPermissions(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), body.Version, body.AnonPermissions, body.PublicPermissions)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeVersion(w, res.Project.Version)
	writeJSON(w, http.StatusOK, projectView(res.Project))
}

func (s *HTTPServer) handleBlockProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Blocked bool `json:"blocked"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.service.SetProjectBlocked(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), body.Blocked)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeVersion(w, res.Project.Version)
	writeJSON(w, http.StatusOK, projectView(res.Project))
}

func (s *HTTPServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	out, err := s.service.Capabilities(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleTransferStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	out, err := s.service.StartTransfer(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), body.UserID)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type transferBody struct {
	Token string `json:"token"`
}

func (s *HTTPServer) handleTransferAccept(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.service.AcceptTransfer(r.Context(), actorFrom(r), body.Token)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeVersion(w, res.Project.Version)
	writeJSON(w, http.StatusOK, projectView(res.Project))
}

func (s *HTTPServer) handleTransferReject(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.service.RejectTransfer(r.Context(), actorFrom(r), body.Token); err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var body RoleInput
	if !s.decode(w, r, &body) {
		return
	}
	role, err := s.service.CreateRole(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusCreated, roleView(role))
}

func (s *HTTPServer) handleCreateMembership(w http.ResponseWriter, r *http.Request) {
	var body MembershipInput
	if !s.decode(w, r, &body) {
		return
	}
	m, err := s.service.CreateMembership(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusCreated, membershipView(m))
}

func (s *HTTPServer) handleNotifyPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	policy, err := s.service.SetNotifyPolicy(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), store.NotifyLevel(body.Level))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": policy.ProjectID,
		"user_id":    policy.UserID,
		"level":      policy.Level,
	})
}

func (s *HTTPServer) handleProjectHistory(w http.ResponseWriter, r *http.Request) {
	s.writeTimeline(w, r, store.KindProject, chi.URLParam(r, "projectID"))
}

func (s *HTTPServer) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r, s.log)
	if !ok {
		return
	}
	s.writeTimeline(w, r, kind, chi.URLParam(r, "id"))
}

func (s *HTTPServer) writeTimeline(w http.ResponseWriter, r *http.Request, kind store.EntityKind, id string) {
	onlyRelevant := true
	if raw := r.URL.Query().Get("relevant"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, apperr.BadRequest("relevant must be a boolean"), s.log)
			return
		}
		onlyRelevant = parsed
	}
	snaps, err := s.service.Timeline(r.Context(), actorFrom(r), kind, id, onlyRelevant)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, snapshotsView(snaps))
}

func (s *HTTPServer) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r, s.log)
	if !ok {
		return
	}
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	res, err := s.service.CreateEntity(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), kind, raw)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeWrite(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r, s.log)
	if !ok {
		return
	}
	entity, err := s.service.GetEntity(r.Context(), actorFrom(r), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, entityView(entity))
}

func (s *HTTPServer) handleWriteEntity(mode WriteMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := kindParam(w, r, s.log)
		if !ok {
			return
		}
		raw, ok := s.readBody(w, r)
		if !ok {
			return
		}
		res, err := s.service.UpdateEntity(r.Context(), actorFrom(r), kind, chi.URLParam(r, "id"), mode, raw)
		if err != nil {
			writeError(w, err, s.log)
			return
		}
		writeWrite(w, http.StatusOK, res)
	}
}

func (s *HTTPServer) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r, s.log)
	if !ok {
		return
	}
	if err := s.service.DeleteEntity(r.Context(), actorFrom(r), kind, chi.URLParam(r, "id")); err != nil {
		writeError(w, err, s.log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r, s.log)
	if !ok {
		return
	}
	var body struct {
		Version *int64 `json:"version"`
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.service.Comment(r.Context(), actorFrom(r), kind, chi.URLParam(r, "id"), body.Version, body.Comment)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeWrite(w, http.StatusOK, res)
}

func (s *HTTPServer) handleWatch(watch bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := kindParam(w, r, s.log)
		if !ok {
			return
		}
		res, err := s.service.Watch(r.Context(), actorFrom(r), kind, chi.URLParam(r, "id"), watch)
		if err != nil {
			writeError(w, err, s.log)
			return
		}
		writeWrite(w, http.StatusOK, res)
	}
}

func (s *HTTPServer) handleRelateStory(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r, s.log)
	if !ok {
		return
	}
	if kind != store.KindEpic {
		writeError(w, apperr.NotFound("route not found"), s.log)
		return
	}
	var body struct {
		UserStoryID string `json:"user_story_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	order, err := s.service.RelateStory(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body.UserStoryID)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"epic":       chi.URLParam(r, "id"),
		"user_story": body.UserStoryID,
		"order":      order,
	})
}

func (s *HTTPServer) handleBulkOrder(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r, s.log)
	if !ok {
		return
	}
	var body struct {
		Scope string        `json:"scope"`
		Items []ordering.Op `json:"items"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	out, err := s.service.BulkOrder(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), kind, chi.URLParam(r, "field"), body.Scope, body.Items)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeOrders(w, out.Shifted)
	moved := make([]map[string]any, 0, len(out.Moved))
	for _, m := range out.Moved {
		item := map[string]any{"id": m.ID, "order": m.Order}
		if m.Version > 0 {
			item["version"] = m.Version
		}
		moved = append(moved, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"moved": moved})
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.DeleteComment(r.Context(), actorFrom(r), chi.URLParam(r, "snapshotID"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (s *HTTPServer) handleUndeleteComment(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.UndeleteComment(r.Context(), actorFrom(r), chi.URLParam(r, "snapshotID"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (s *HTTPServer) handleEditComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	snap, err := s.service.EditComment(r.Context(), actorFrom(r), chi.URLParam(r, "snapshotID"), body.Comment)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (s *HTTPServer) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.service.ListWebhooks(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	out := make([]map[string]any, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, webhookView(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var body WebhookInput
	if !s.decode(w, r, &body) {
		return
	}
	hook, err := s.service.CreateWebhook(r.Context(), actorFrom(r), chi.URLParam(r, "projectID"), body)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusCreated, webhookView(hook))
}

func (s *HTTPServer) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.TestWebhook(r.Context(), actorFrom(r), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, webhookLogView(entry))
}

func (s *HTTPServer) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.service.WebhookLogs(r.Context(), actorFrom(r), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	out := make([]map[string]any, 0, len(logs))
	for _, l := range logs {
		out = append(out, webhookLogView(l))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleResendWebhookLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "logID"), 10, 64)
	if err != nil {
		writeError(w, apperr.NotFound("webhook log not found"), s.log)
		return
	}
	entry, err := s.service.ResendWebhookLog(r.Context(), actorFrom(r), id)
	if err != nil {
		writeError(w, err, s.log)
		return
	}
	writeJSON(w, http.StatusOK, webhookLogView(entry))
}

func kindParam(w http.ResponseWriter, r *http.Request, log zerolog.Logger) (store.EntityKind, bool) {
	kind, ok := store.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, apperr.NotFound("unknown entity kind"), log)
		return "", false
	}
	return kind, true
}

func (s *HTTPServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apperr.BadRequest("request body is too large or unreadable"), s.log)
		return nil, false
	}
	return raw, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, apperr.BadRequest(err.Error()), s.log)
		return false
	}
	return true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func writeVersion(w http.ResponseWriter, version int64) {
	w.Header().Set("X-Version", strconv.FormatInt(version, 10))
}

// writeOrders reports siblings a write pushed aside.
func writeOrders(w http.ResponseWriter, shifted map[string]int64) {
	if len(shifted) == 0 {
		return
	}
	raw, err := json.Marshal(shifted)
	if err != nil {
		return
	}
	w.Header().Set("Order-Updated", string(raw))
}

func writeWrite(w http.ResponseWriter, status int, res WriteResult) {
	writeVersion(w, res.Entity.Version)
	writeOrders(w, res.Shifted)
	writeJSON(w, status, entityView(res.Entity))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err to its kind. Internal errors are logged and reported
// without detail.
func writeError(w http.ResponseWriter, err error, log zerolog.Logger) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"kind": apperr.KindInternal, "error": "request timed out"})
		return
	}
	kind := apperr.KindOf(err)
	response := map[string]any{"kind": kind}
	var appErr *apperr.Error
	switch {
	case kind == apperr.KindInternal:
		log.Error().Err(err).Msg("request failed")
		response["error"] = "internal server error"
	case errors.As(err, &appErr):
		response["error"] = appErr.Message
		if appErr.Details != nil {
			response["details"] = appErr.Details
		}
	default:
		response["error"] = string(kind)
	}
	writeJSON(w, kind.Status(), response)
}
