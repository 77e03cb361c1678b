package proxy

import "net/http"

// Handler returns the HTTP handler for the upload proxy. The cross-origin
// policy runs ahead of everything else so a disallowed origin is rejected
// before authorization is even attempted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /upload", s.handleUpload)

	return LogRequest(Recoverer(CORSPolicy(s.cfg.AllowedOrigins)(mux)))
}
