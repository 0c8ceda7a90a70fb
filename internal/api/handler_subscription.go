package api

import (
	"net/http"

	"github.com/vvidic/simple-lookup-service/internal/record"
	"github.com/vvidic/simple-lookup-service/internal/service"
)

// HandleSubscribe returns a handler for POST /lookup/subscribe.
func HandleSubscribe(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.SubscribeRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		sub, err := svc.Subscribe(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, service.SubscriptionInfo{
			ID:            sub.ID,
			Endpoint:      sub.Endpoint,
			MaxPushEvents: sub.MaxPushEvents,
			FlushInterval: record.FormatTTL(sub.FlushInterval),
			CreatedAt:     sub.CreatedAt,
		})
	}
}

// HandleUnsubscribe returns a handler for DELETE /lookup/subscribe/{id}.
func HandleUnsubscribe(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Unsubscribe(r.Context(), r.PathValue("id")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListSubscriptions returns a handler for GET /lookup/subscribe.
func HandleListSubscriptions(svc *service.LookupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, svc.ListSubscriptions())
	}
}
