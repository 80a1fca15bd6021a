package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dshills/runbok/internal/engine"
	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/workflow"
)

type executeRequest struct {
	Code             string         `json:"code"`
	Context          map[string]any `json:"context"`
	Endpoint         any            `json:"endpoint"`
	Imports          string         `json:"imports"`
	Mocks            string         `json:"mocks"`
	MockDependencies []string       `json:"mock_dependencies"`
	Preprocessor     string         `json:"preprocessor"`
	Language         string         `json:"language"`
}

type executeResponse struct {
	Success     bool     `json:"success"`
	Result      any      `json:"result"`
	Error       string   `json:"error,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Details     string   `json:"details,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := s.decode(w, r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	req, err := s.toRequest(body)
	if err != nil {
		res := execution.Failure(err)
		res.RequestID = engine.RequestID(r.Context())
		s.writeResult(w, res)
		return
	}
	s.writeResult(w, s.exec.Execute(r.Context(), req))
}

func (s *Server) toRequest(body executeRequest) (execution.Request, error) {
	pre, err := execution.ParsePreprocessor(body.Preprocessor)
	if err != nil {
		return execution.Request{}, err
	}
	lang, err := execution.ParseLanguage(body.Language)
	if err != nil {
		return execution.Request{}, err
	}
	ctx := body.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return execution.Request{
		Code:                body.Code,
		Imports:             body.Imports,
		Mocks:               body.Mocks,
		MockDependencyNames: body.MockDependencies,
		Context:             ctx,
		Endpoint:            body.Endpoint,
		Preprocessor:        pre,
		Language:            lang,
		ContextDir:          s.contextDir,
	}, nil
}

func (s *Server) writeResult(w http.ResponseWriter, res execution.Result) {
	if res.OK() {
		s.writeJSON(w, http.StatusOK, executeResponse{
			Success:     true,
			Result:      res.Value,
			RequestID:   res.RequestID,
			Diagnostics: res.Diagnostics,
		})
		return
	}
	s.writeJSON(w, statusFor(res.Err.Kind), executeResponse{
		Success:     false,
		Error:       "Code execution failed",
		Kind:        res.Err.Kind.String(),
		Details:     res.Err.Detail(),
		RequestID:   res.RequestID,
		Diagnostics: res.Diagnostics,
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind execution.Kind) int {
	switch kind {
	case execution.KindValidation:
		return http.StatusBadRequest
	case execution.KindCompilation:
		return http.StatusUnprocessableEntity
	case execution.KindConnection, execution.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.connections.Stats())
}

type fileContentResponse struct {
	FilePath string            `json:"file_path"`
	Content  workflow.Document `json:"content"`
}

func (s *Server) handleReadFile(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.docs.Load()
	if err != nil {
		s.logger.Error("read workflow", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to read file", Details: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, fileContentResponse{FilePath: s.displayPath, Content: doc})
}

type saveRequest struct {
	Content workflow.Document `json:"content"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var body saveRequest
	if err := s.decode(w, r, &body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}
	if body.Content == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Content is required"})
		return
	}
	if err := s.docs.Save(body.Content); err != nil {
		s.logger.Error("write workflow", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to write file", Details: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "File saved successfully"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}
