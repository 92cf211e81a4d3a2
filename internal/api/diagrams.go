package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/playbookd/internal/diagram"
	"github.com/rendis/playbookd/pkg/schema"
)

// handlePlaybookDiagram renders a playbook. ?format= is mermaid (default),
// ascii, png or svg.
func (s *Server) handlePlaybookDiagram(w http.ResponseWriter, r *http.Request) {
	pb, err := s.deps.Catalog.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeDiagram(w, r, pb, nil)
}

// handleExecutionDiagram renders the execution's playbook coloured with
// its current step states.
func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	ref := st.PlaybookName
	if st.PlaybookVersion != "" {
		ref += "@" + st.PlaybookVersion
	}
	pb, err := s.deps.Catalog.Get(ref)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeDiagram(w, r, pb, diagram.OverlayFromState(pb, st))
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, pb *schema.Playbook, overlay diagram.Overlay) {
	model, err := diagram.Build(pb, diagram.WithSubPlaybooks(s.deps.Catalog), diagram.WithOverlay(overlay))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "mermaid":
		writeText(w, diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, diagram.RenderASCII(model))
	case "png", "svg":
		img, err := diagram.RenderImage(r.Context(), model, diagram.ImageFormat(format))
		if err != nil {
			s.logger.ErrorContext(r.Context(), "diagram render failed", "playbook", pb.Ref(), "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		ct := "image/png"
		if format == "svg" {
			ct = "image/svg+xml"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation,
			fmt.Sprintf("unknown diagram format %q (want mermaid, ascii, png or svg)", format))
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
