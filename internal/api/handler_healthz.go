package api

import "net/http"

// HandleHealthz returns the liveness handler for GET /healthz. It sits
// outside the auth and body middleware so probes always get through.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
