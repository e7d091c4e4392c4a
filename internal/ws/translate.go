package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

type translateResponse struct {
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	SourceURL    string `json:"sourceURL,omitempty"`
	SourceLine   *int   `json:"sourceLine,omitempty"`
	SourceColumn *int   `json:"sourceColumn,omitempty"`
}

// translate maps a compiled position to its original source, or with
// source= set, an original line to the compiled position generated from it.
func (s *Server) translate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mapURL := q.Get("map")
	if mapURL == "" {
		http.Error(w, "missing map parameter", http.StatusBadRequest)
		return
	}
	line, err := intParam(q.Get("line"), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := s.maps.Load(r.Context(), mapURL, q.Get("compiled"))
	if err != nil {
		// The cause can quote the map's content, so it stays in the log.
		s.log.Debugw("Translation failed", "error", err)
		http.Error(w, "failed to load source map", http.StatusBadGateway)
		return
	}

	var resp translateResponse
	if source := q.Get("source"); source != "" {
		var found bool
		if rawSpan := q.Get("span"); rawSpan != "" {
			span, err := intParam(rawSpan, 0)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			pos, ok := m.FindEntryReversedWithin(source, line, span)
			resp, found = translateResponse{Line: pos.Line, Column: pos.Column}, ok
		} else {
			pos, ok := m.FindEntryReversed(source, line)
			resp, found = translateResponse{Line: pos.Line, Column: pos.Column}, ok
		}
		if !found {
			http.Error(w, "no mapping for source line", http.StatusNotFound)
			return
		}
	} else {
		column, err := intParam(q.Get("column"), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e, ok := m.FindEntry(line, column)
		if !ok {
			http.Error(w, "no mapping for position", http.StatusNotFound)
			return
		}
		resp = translateResponse{Line: e.Line, Column: e.Column}
		if e.HasSource() {
			resp.SourceURL = e.SourceURL
			resp.SourceLine = &e.SourceLine
			resp.SourceColumn = &e.SourceColumn
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warnw("Error encoding translation", "error", err)
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid numeric parameter %q", raw)
	}
	return n, nil
}
