package observe

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// StatusHandler serves a Recorder over HTTP:
//
//	GET /healthz        "ok"
//	GET /stats          Snapshot as JSON
//	GET /stats/{event}  {"event": name, "count": n}
//	GET /recent         recent records as JSON, oldest first
func StatusHandler(recorder *Recorder) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/plain")
		writer.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.HandleFunc("/stats", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, recorder.Snapshot())
	}).Methods(http.MethodGet)

	router.HandleFunc("/stats/{event}", func(writer http.ResponseWriter, request *http.Request) {
		name := mux.Vars(request)["event"]
		writeJSON(writer, map[string]any{"event": name, "count": recorder.Count(name)})
	}).Methods(http.MethodGet)

	router.HandleFunc("/recent", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, recorder.Recent())
	}).Methods(http.MethodGet)

	return router
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
	}
}
