package streaminghttp

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-go/internal/logctx"
)

// handleLegacySSE serves the HTTP+SSE transport of protocol 2024-11-05. The
// session lives exactly as long as this response: the first event names the
// endpoint the client posts to, and every outbound message follows on the
// same stream.
func (h *Handler) handleLegacySSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		return
	}
	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}
	sw, ok := newSSEWriter(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	ls, err := h.createSession(ctx, user, "", true)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	defer h.retire(ls, "legacy_stream_closed")
	ls.attached.Store(true)
	ls.begin()
	defer ls.end()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: ls.id, UserID: ls.userID})

	rd, err := h.store.OpenReader(ctx, ls.id, ls.tr.standalone.StreamID(), 0)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to open stream")
		h.log.ErrorContext(ctx, "sse.reader.open.fail", slog.String("err", err.Error()))
		return
	}

	// Lets a session-affinity router in front of this handler claim the
	// session before the endpoint event is sent.
	w.Header().Set(mcpSessionIDHeader, ls.id)
	h.startSSE(w, ls)
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	endpoint := strings.TrimSuffix(h.path, "/") + "/message?" + url.Values{sessionIDQueryParam: {ls.id}}.Encode()
	if err := sw.named("endpoint", endpoint); err != nil {
		h.logStreamEnd(ctx, err)
		return
	}
	h.log.InfoContext(ctx, "sse.legacy.start")
	if err := h.pump(ctx, sw, rd, ls, ls.tr.standaloneLive, h.keepAlive); err != nil {
		h.logStreamEnd(ctx, err)
		return
	}
	h.log.InfoContext(ctx, "sse.legacy.end", slog.Duration("dur", time.Since(start)))
}

// handleLegacyMessage accepts client messages for a legacy session. Replies
// are delivered on the session's SSE stream.
func (h *Handler) handleLegacyMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}
	sid := r.URL.Query().Get(sessionIDQueryParam)
	if sid == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId query parameter")
		return
	}
	ls := h.lookup(ctx, w, r, sid, user)
	if ls == nil {
		return
	}
	if !ls.legacy {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	body, _, ok := h.readMessages(ctx, w, r)
	if !ok {
		return
	}
	ls.begin()
	defer ls.end()
	if err := ls.tr.deliver(ctx, body); err != nil {
		writeJSONError(w, http.StatusNotFound, "session closed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
