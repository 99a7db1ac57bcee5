package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
)

// runState is the in-memory working set of one run execution. Stage
// outputs land here and are checkpointed after each stage, so a
// resumed run restores this struct instead of redoing work.
type runState struct {
	run        *model.WorkflowRun
	extraction *model.ExtractionResult
	findings   *model.AnalysisFindings
	exportedTo string
}

// StageActivity executes one pipeline stage. Output and Restore carry
// the stage's contribution to the run state across process restarts.
type StageActivity interface {
	Stage() model.Stage
	Execute(ctx context.Context, st *runState, pub *progressPublisher) error
	Output(st *runState) ([]byte, error)
	Restore(st *runState, payload []byte) error
}

// idempotencyKey derives a stable key for a (run, stage) pair so a
// retried attempt replays as the same logical call on providers that
// honor idempotency headers.
func idempotencyKey(runID string, stage model.Stage) string {
	h := sha256.Sum256([]byte(runID + ":" + string(stage)))
	return hex.EncodeToString(h[:])
}

// ExtractActivity fetches the uploaded artifact and runs it through the
// tiered extraction gateway.
type ExtractActivity struct {
	store   adapter.ObjectStore
	gateway adapter.ExtractionGateway
	opts    model.ExtractionOptions
}

func NewExtractActivity(store adapter.ObjectStore, gateway adapter.ExtractionGateway, opts model.ExtractionOptions) *ExtractActivity {
	return &ExtractActivity{store: store, gateway: gateway, opts: opts}
}

func (a *ExtractActivity) Stage() model.Stage { return model.StageExtract }

func (a *ExtractActivity) Execute(ctx context.Context, st *runState, pub *progressPublisher) error {
	pub.emit(ctx, st.run.ID, model.EventStageProgress, model.ProgressPayload{
		Stage:   string(model.StageExtract),
		Message: "fetching uploaded document",
	})

	content, err := a.store.Fetch(ctx, st.run.StorageLocation)
	if err != nil {
		return err
	}

	notify := func(nctx context.Context, payload model.ProgressPayload) {
		payload.Stage = string(model.StageExtract)
		pub.emit(nctx, st.run.ID, model.EventStageProgress, payload)
	}
	res, err := a.gateway.Extract(ctx, content, st.run.PageCount, a.opts, notify)
	if err != nil {
		return err
	}
	st.extraction = res
	return nil
}

func (a *ExtractActivity) Output(st *runState) ([]byte, error) {
	return json.Marshal(st.extraction)
}

func (a *ExtractActivity) Restore(st *runState, payload []byte) error {
	var res model.ExtractionResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return err
	}
	st.extraction = &res
	return nil
}

// AnalyzeActivity sends the extracted text to the analysis provider
// chain and keeps the structured findings.
type AnalyzeActivity struct {
	ai              adapter.AnalysisAdapter
	model           string
	maxPromptTokens int
}

func NewAnalyzeActivity(ai adapter.AnalysisAdapter, defaultModel string, maxPromptTokens int) *AnalyzeActivity {
	return &AnalyzeActivity{ai: ai, model: defaultModel, maxPromptTokens: maxPromptTokens}
}

func (a *AnalyzeActivity) Stage() model.Stage { return model.StageAnalyze }

func (a *AnalyzeActivity) Execute(ctx context.Context, st *runState, pub *progressPublisher) error {
	if st.extraction == nil {
		return domain.NewStageError(domain.KindServiceRejection, "no extraction output to analyze", nil)
	}
	pub.emit(ctx, st.run.ID, model.EventStageProgress, model.ProgressPayload{
		Stage:   string(model.StageAnalyze),
		Message: fmt.Sprintf("analyzing document (%s)", st.run.AnalysisKind),
	})

	findings, _, err := a.ai.Analyze(ctx, adapter.AnalysisRequest{
		Model:           a.model,
		AnalysisKind:    st.run.AnalysisKind,
		DocumentText:    st.extraction.Text,
		MaxPromptTokens: a.maxPromptTokens,
		IdempotencyKey:  idempotencyKey(st.run.ID, model.StageAnalyze),
	})
	if err != nil {
		return err
	}
	st.findings = findings
	return nil
}

func (a *AnalyzeActivity) Output(st *runState) ([]byte, error) {
	return json.Marshal(st.findings)
}

func (a *AnalyzeActivity) Restore(st *runState, payload []byte) error {
	var f model.AnalysisFindings
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	st.findings = &f
	return nil
}

// exportDocument is the result object written to storage and recorded
// on the run.
type exportDocument struct {
	WorkflowID   string                  `json:"workflow_id"`
	AnalysisKind string                  `json:"analysis_kind"`
	GeneratedAt  time.Time               `json:"generated_at"`
	Location     string                  `json:"location,omitempty"`
	Findings     *model.AnalysisFindings `json:"findings"`
	Extraction   exportExtractionMeta    `json:"extraction"`
}

type exportExtractionMeta struct {
	Tier         model.ExtractionTier `json:"tier"`
	Pages        int                  `json:"pages"`
	Partial      bool                 `json:"partial,omitempty"`
	FailedRanges []model.PageRange    `json:"failed_ranges,omitempty"`
}

// ExportActivity writes the final result object. The write is
// conditional on the object not existing, so a retried export after a
// mid-write crash cannot produce a divergent second copy.
type ExportActivity struct {
	store        adapter.ObjectStore
	resultPrefix string
}

func NewExportActivity(store adapter.ObjectStore, resultPrefix string) *ExportActivity {
	return &ExportActivity{store: store, resultPrefix: strings.TrimSuffix(resultPrefix, "/")}
}

func (a *ExportActivity) Stage() model.Stage { return model.StageExport }

func (a *ExportActivity) Execute(ctx context.Context, st *runState, pub *progressPublisher) error {
	if st.findings == nil {
		return domain.NewStageError(domain.KindServiceRejection, "no analysis findings to export", nil)
	}
	pub.emit(ctx, st.run.ID, model.EventStageProgress, model.ProgressPayload{
		Stage:   string(model.StageExport),
		Message: "exporting analysis result",
	})

	location := fmt.Sprintf("%s/%s.json", a.resultPrefix, st.run.ID)
	doc := a.document(st, location)
	data, err := json.Marshal(doc)
	if err != nil {
		return domain.NewStageError(domain.KindServiceRejection, "could not encode result document", err)
	}
	if err := a.store.Put(ctx, location, "application/json", data); err != nil {
		return err
	}
	st.exportedTo = location
	return nil
}

func (a *ExportActivity) document(st *runState, location string) exportDocument {
	doc := exportDocument{
		WorkflowID:   st.run.ID,
		AnalysisKind: st.run.AnalysisKind,
		GeneratedAt:  time.Now().UTC(),
		Location:     location,
		Findings:     st.findings,
	}
	if st.extraction != nil {
		doc.Extraction = exportExtractionMeta{
			Tier:         st.extraction.Tier,
			Pages:        st.extraction.Pages,
			Partial:      st.extraction.Partial,
			FailedRanges: st.extraction.FailedRanges,
		}
	}
	return doc
}

func (a *ExportActivity) Output(st *runState) ([]byte, error) {
	return json.Marshal(a.document(st, st.exportedTo))
}

func (a *ExportActivity) Restore(st *runState, payload []byte) error {
	var doc exportDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	st.exportedTo = doc.Location
	if st.findings == nil {
		st.findings = doc.Findings
	}
	return nil
}
