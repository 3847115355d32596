package upload

import "net/http"

// Handler returns the HTTP surface for the upload service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload/chunk/init", s.handleInit)
	mux.HandleFunc("POST /upload/chunk", s.handleChunk)
	mux.HandleFunc("POST /upload/chunk/complete", s.handleComplete)
	mux.HandleFunc("POST /upload/file", s.handleFile)

	return LogRequest(SlashFix(mux))
}
