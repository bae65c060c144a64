package api

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

// devStaticDir is relative to the repository root.
const devStaticDir = "internal/api/static"

func (s *Server) staticHandler() http.Handler {
	if s.DevMode {
		return http.FileServer(http.Dir(devStaticDir))
	}
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
