package depot

import "net/http"

// Handler returns the fully assembled S3 API handler. Authentication wraps
// the path-normalizing middleware, not the other way round, because the
// signature covers the path exactly as the client sent it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		s.handleListBuckets(w, r)
	})

	mux.HandleFunc("POST /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeNotImplemented(w, r, "RootPost")
	})

	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPut(w, r, r.PathValue("bucket"))
	})

	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketGet(w, r, r.PathValue("bucket"))
	})

	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketHead(w, r, r.PathValue("bucket"))
	})

	mux.HandleFunc("DELETE /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketDelete(w, r, r.PathValue("bucket"))
	})

	mux.HandleFunc("POST /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPost(w, r, r.PathValue("bucket"))
	})

	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPut(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectHead(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectDelete(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	mux.HandleFunc("POST /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPost(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	var handler http.Handler = mux
	handler = limitRequestBody(handler)
	handler = SlashFix(handler)
	handler = s.RequireAuthentication(handler)
	handler = LogRequest(handler)
	if s.Config.Metrics != nil {
		handler = s.Config.Metrics.Instrument(handler)
	}
	handler = Recoverer(handler)

	return handler
}
