package documents

import (
	"errors"
	"net/http"

	"whiteboard-server/core"
	"whiteboard-server/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// HandleList lists the caller's documents, most recently updated first.
func HandleList(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		summaries, err := store.List(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, logrus.Fields{"owner_id": userID})
			return
		}
		if summaries == nil {
			summaries = []core.DocumentSummary{}
		}

		render.JSON(w, r, summaries)
	}
}

// HandleCreate creates a document owned by the caller.
func HandleCreate(store core.DocumentStore, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		in, ok := decodeInput(w, r, maxBytes)
		if !ok {
			return
		}

		doc, err := store.Create(r.Context(), userID, in)
		if err != nil {
			writeError(w, r, err, logrus.Fields{"owner_id": userID})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, doc)
	}
}

// HandleGet returns one of the caller's documents.
func HandleGet(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		doc, err := store.Get(r.Context(), id, userID)
		if err != nil {
			writeError(w, r, err, logrus.Fields{"owner_id": userID, "document_id": id})
			return
		}

		render.JSON(w, r, doc)
	}
}

// HandleUpdate replaces name, vector data and snapshot of a document.
func HandleUpdate(store core.DocumentStore, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		in, ok := decodeInput(w, r, maxBytes)
		if !ok {
			return
		}

		doc, err := store.Update(r.Context(), id, userID, in)
		if err != nil {
			writeError(w, r, err, logrus.Fields{"owner_id": userID, "document_id": id})
			return
		}

		render.JSON(w, r, doc)
	}
}

// HandleDelete removes a document. Deleting it twice yields 404.
func HandleDelete(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		if err := store.Delete(r.Context(), id, userID); err != nil {
			writeError(w, r, err, logrus.Fields{"owner_id": userID, "document_id": id})
			return
		}

		render.JSON(w, r, struct{}{})
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "User identity not found"})
		return "", false
	}
	return userID, true
}

func decodeInput(w http.ResponseWriter, r *http.Request, maxBytes int64) (core.DocumentInput, bool) {
	var in core.DocumentInput
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	defer r.Body.Close()

	if err := render.DecodeJSON(r.Body, &in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			render.Status(r, http.StatusRequestEntityTooLarge)
			render.JSON(w, r, map[string]string{"error": "Request body too large"})
			return in, false
		}
		logrus.WithError(err).Debug("Failed to decode request body")
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid request body"})
		return in, false
	}
	return in, true
}

// writeError maps the store error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error, fields logrus.Fields) {
	log := logrus.WithFields(fields).WithError(err)

	switch {
	case errors.Is(err, core.ErrValidation):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "Document not found"})
	case errors.Is(err, core.ErrAuthentication):
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "Authentication required"})
	default:
		log.Error("Document storage failed")
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"error": "Storage unavailable, try again later"})
	}
}
