package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
	"github.com/MrSnakeDoc/marks/internal/utils"
)

const maxDraftBytes = 8 << 10

type listResponse struct {
	Principal *domain.Principal    `json:"principal"`
	Bookmarks []domain.Bookmark    `json:"bookmarks"`
	Notice    *synchronizer.Notice `json:"notice,omitempty"`
}

// withSync runs fn against a request-scoped synchronizer that is already
// initialized. Signed-out callers get a 401. A failed initial fetch is left
// to fn; it shows up in the snapshot's notice.
func withSync(d deps.Deps, w http.ResponseWriter, r *http.Request, fn func(s *synchronizer.Synchronizer)) {
	sess, err := currentSession(d, w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	s := d.Synchronizer(sess.AccessToken, false)
	defer utils.Close(s)
	if err := s.Initialize(r.Context()); err != nil && domain.KindOf(err) != domain.KindFetch && domain.KindOf(err) != domain.KindDecode {
		writeError(w, err)
		return
	}
	if s.Snapshot().Status == synchronizer.Unauthenticated {
		writeError(w, domain.ErrUnauthenticated)
		return
	}
	fn(s)
}

// ListBookmarks returns the signed-in user's bookmarks, newest first.
func ListBookmarks(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withSync(d, w, r, func(s *synchronizer.Synchronizer) {
			st := s.Snapshot()
			status := http.StatusOK
			if st.Status != synchronizer.Ready {
				status = http.StatusBadGateway
			}
			writeJSON(w, status, listResponse{Principal: st.Principal, Bookmarks: st.Bookmarks, Notice: st.Notice})
		})
	}
}

// AddBookmark accepts {"title", "url"}.
func AddBookmark(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var draft domain.Draft
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDraftBytes)).Decode(&draft); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body", Kind: "validation"})
			return
		}

		withSync(d, w, r, func(s *synchronizer.Synchronizer) {
			if err := s.Add(r.Context(), draft); err != nil {
				writeError(w, err)
				return
			}
			st := s.Snapshot()
			writeJSON(w, http.StatusCreated, listResponse{Principal: st.Principal, Bookmarks: st.Bookmarks, Notice: st.Notice})
		})
	}
}

func DeleteBookmark(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		withSync(d, w, r, func(s *synchronizer.Synchronizer) {
			if err := s.Delete(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
