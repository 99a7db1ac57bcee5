package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/usecase"
)

// The expected JSON request body of an upload-completion signal.
type uploadCompleteRequest struct {
	FileIdentity    string `json:"file_identity"`
	StorageLocation string `json:"storage_location"`
	AnalysisKind    string `json:"analysis_kind"`
	PageCount       int    `json:"page_count"`
}

type runResponse struct {
	ID              string          `json:"workflow_id"`
	Status          string          `json:"status"`
	CurrentStage    string          `json:"current_stage"`
	AnalysisKind    string          `json:"analysis_kind"`
	PageCount       int             `json:"page_count"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func toRunResponse(run *model.WorkflowRun) runResponse {
	return runResponse{
		ID:              run.ID,
		Status:          string(run.Status),
		CurrentStage:    string(run.CurrentStage),
		AnalysisKind:    run.AnalysisKind,
		PageCount:       run.PageCount,
		CancelRequested: run.CancelRequested,
		ErrorKind:       run.ErrorKind,
		ErrorMessage:    run.ErrorMsg,
		Result:          run.Result,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
	}
}

// Handler for the upload-completion signal. Idempotent: a duplicate
// signal returns the already-active run with attached=true.
func uploadCompleteHandler(runUC usecase.RunUseCase) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req uploadCompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		res, err := runUC.Start(ctx, usecase.StartInput{
			FileIdentity:    req.FileIdentity,
			StorageLocation: req.StorageLocation,
			AnalysisKind:    req.AnalysisKind,
			PageCount:       req.PageCount,
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "Failed to start analysis", http.StatusInternalServerError)
			return
		}

		response := struct {
			Run      runResponse `json:"run"`
			Attached bool        `json:"attached"`
		}{
			Run:      toRunResponse(res.Run),
			Attached: res.Attached,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(response)
	}
}

func runGetHandler(runUC usecase.RunUseCase) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id := chi.URLParam(r, "id")
		if id == "" {
			http.Error(w, "Workflow ID is required", http.StatusBadRequest)
			return
		}

		run, err := runUC.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "Failed to get run", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(toRunResponse(run))
	}
}

func runCancelHandler(runUC usecase.RunUseCase) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id := chi.URLParam(r, "id")
		if id == "" {
			http.Error(w, "Workflow ID is required", http.StatusBadRequest)
			return
		}

		run, err := runUC.Cancel(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "Failed to cancel run", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(toRunResponse(run))
	}
}
