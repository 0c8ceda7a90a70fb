package api

import (
	"net/http"

	"github.com/vvidic/simple-lookup-service/internal/query"
	"github.com/vvidic/simple-lookup-service/internal/service"
)

// HandleQueryArchive returns a handler for GET /lookup/services/archive.
// The archive shares the live query syntax but returns state snapshots.
func HandleQueryArchive(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := query.FromValues(r.URL.Query())
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		recs, err := svc.QueryArchive(r.Context(), q)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, recs)
	}
}

// HandleArchiveReadOnly rejects every non-GET method on the archive path.
func HandleArchiveReadOnly() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeServiceError(w, notSupportedError("archive is read-only"))
	}
}
