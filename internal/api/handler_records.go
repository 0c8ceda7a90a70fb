package api

import (
	"net/http"

	"github.com/vvidic/simple-lookup-service/internal/query"
	"github.com/vvidic/simple-lookup-service/internal/service"
)

// HandleRegister returns a handler for POST /lookup/records.
func HandleRegister(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := decodeRecordBody(r, true)
		if err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		rec, err := svc.Register(r.Context(), raw, r.RemoteAddr)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

// HandleQueryLive returns a handler for GET /lookup/records. Every query
// parameter except the control keys is a match clause; comma-separated
// values split into lists.
func HandleQueryLive(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := query.FromValues(r.URL.Query())
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		recs, err := svc.QueryLive(r.Context(), q)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, recs)
	}
}

// HandleGetRecord returns a handler for GET /lookup/records/{uri}.
func HandleGetRecord(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Get(r.Context(), r.PathValue("uri"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

// HandleRenew returns a handler for POST /lookup/records/{uri}. The body
// may carry a new record-ttl and the access token; it may also be empty.
func HandleRenew(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := decodeRecordBody(r, false)
		if err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		rec, err := svc.Renew(r.Context(), r.PathValue("uri"), raw)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

// HandleDeleteRecord returns a handler for DELETE /lookup/records/{uri}.
// Responds with the removed record in its delete state.
func HandleDeleteRecord(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := decodeRecordBody(r, false)
		if err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		rec, err := svc.Delete(r.Context(), r.PathValue("uri"), raw)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}
