// Package api is the request boundary: admission with idempotency and
// locking, status tracking, cancellation and asset compilation endpoints
// over an echo server.
package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/assets"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/idempotency"
	"github.com/ashuein/contentforge/internal/lockmgr"
	"github.com/ashuein/contentforge/internal/pipeline"
	"github.com/ashuein/contentforge/internal/retry"
	"github.com/ashuein/contentforge/internal/types"
)

// SubmitOutcome is the admission decision for one submission.
type SubmitOutcome struct {
	PromptID  string
	Duplicate bool
	// CachedResult is set when an identical completed request exists.
	CachedResult json.RawMessage
	// CachedError replays a prior failure within the TTL window.
	CachedError string
}

// Service owns admission and run tracking.
type Service struct {
	cfg      config.Config
	locks    *lockmgr.Manager
	idem     *idempotency.Store
	orch     *pipeline.Orchestrator
	compiler *assets.Adapter
	retries  *retry.Manager
	resolver *ReferenceResolver
	log      *zap.Logger

	mu   sync.Mutex
	runs map[string]*runEntry // promptID -> entry

	// background tracks in-flight pipelines for clean shutdown.
	background sync.WaitGroup
}

type runEntry struct {
	run         *pipeline.Run
	fingerprint string
	lockID      string
}

// NewService wires the request boundary.
func NewService(cfg config.Config, locks *lockmgr.Manager, idem *idempotency.Store, orch *pipeline.Orchestrator, compiler *assets.Adapter, retries *retry.Manager, resolver *ReferenceResolver, log *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		locks:    locks,
		idem:     idem,
		orch:     orch,
		compiler: compiler,
		retries:  retries,
		resolver: resolver,
		log:      log,
		runs:     make(map[string]*runEntry),
	}
}

// Shutdown waits for in-flight pipelines.
func (s *Service) Shutdown() {
	s.background.Wait()
}

// Submit admits a request: duplicate check, lock, registration, then the
// pipeline runs asynchronously.
func (s *Service) Submit(req types.GenerationRequest) (*SubmitOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(req.Attachments) == 0 && s.resolver != nil {
		if id := s.resolver.Resolve(req.Subject, req.Chapter); id != "" {
			req.Attachments = []string{id}
		}
	}

	fingerprint, err := idempotency.GenerateKey("generate", req, req.Attachments)
	if err != nil {
		return nil, err
	}

	if prior, err := s.idem.CheckDuplicate(fingerprint); err == nil && prior != nil {
		switch prior.State {
		case idempotency.StateCompleted:
			return &SubmitOutcome{
				PromptID:     prior.Metadata["promptId"],
				Duplicate:    true,
				CachedResult: prior.Result,
			}, nil
		case idempotency.StateFailed:
			return &SubmitOutcome{
				PromptID:    prior.Metadata["promptId"],
				Duplicate:   true,
				CachedError: prior.Error,
			}, nil
		case idempotency.StateRegistered:
			// In flight: report the existing prompt id.
			return &SubmitOutcome{PromptID: prior.Metadata["promptId"], Duplicate: true}, nil
		}
	}

	promptID := uuid.NewString()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	lockInfo, err := s.locks.Acquire("generate", req.ResourceID(), promptID)
	if err != nil {
		return nil, err
	}

	if _, _, err := s.idem.Register(fingerprint, correlationID, map[string]string{"promptId": promptID}); err != nil {
		s.locks.Release(lockInfo.LockID)
		return nil, err
	}

	run := &pipeline.Run{
		CorrelationID: correlationID,
		PromptID:      promptID,
		Request:       req,
		FSM:           pipeline.NewFSM(),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	entry := &runEntry{run: run, fingerprint: fingerprint, lockID: lockInfo.LockID}
	s.mu.Lock()
	s.runs[promptID] = entry
	s.mu.Unlock()

	s.background.Add(1)
	go s.executeRun(entry)

	return &SubmitOutcome{PromptID: promptID}, nil
}

func (s *Service) executeRun(entry *runEntry) {
	defer s.background.Done()
	defer s.locks.Release(entry.lockID)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Pipeline.StageTimeout)
	defer cancel()

	reader, err := s.orch.Execute(ctx, entry.run)
	if err != nil {
		if ierr := s.idem.Fail(entry.fingerprint, err.Error()); ierr != nil {
			s.log.Warn("idempotency fail-record write failed", zap.Error(ierr))
		}
		return
	}

	result, merr := json.Marshal(map[string]any{
		"promptId":    entry.run.PromptID,
		"contentHash": reader.Envelope.ContentHash,
		"blocks":      len(reader.Blocks),
	})
	if merr != nil {
		s.log.Warn("result encoding failed", zap.Error(merr))
	}
	if ierr := s.idem.Complete(entry.fingerprint, result, ""); ierr != nil {
		s.log.Warn("idempotency completion write failed", zap.Error(ierr))
	}
}

// StatusView is the status endpoint payload.
type StatusView struct {
	PromptID  string          `json:"promptId"`
	Status    string          `json:"status"` // queued, processing, completed, failed
	Stage     string          `json:"stage"`
	Progress  int             `json:"progress"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
}

// Status reports a run's progress.
func (s *Service) Status(promptID string) (*StatusView, bool) {
	s.mu.Lock()
	entry, ok := s.runs[promptID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	run := entry.run
	state := run.FSM.State()
	view := &StatusView{
		PromptID:  promptID,
		Stage:     string(state),
		Progress:  run.FSM.Progress(),
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	switch state {
	case pipeline.StateAccepted:
		view.Status = "queued"
	case pipeline.StateCompleted:
		view.Status = "completed"
	case pipeline.StateFailed:
		view.Status = "failed"
	default:
		view.Status = "processing"
	}

	result, rerr := run.Result()
	if result != nil {
		view.Artifacts = []string{result.FilePath}
		if data, merr := json.Marshal(result); merr == nil {
			view.Result = data
		}
	}
	if rerr != nil {
		view.Error = rerr.Error()
	}
	return view, true
}

// Cancel aborts a run and marks its idempotency record failed.
func (s *Service) Cancel(promptID string) bool {
	s.mu.Lock()
	entry, ok := s.runs[promptID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	entry.run.Cancel()
	if err := s.idem.Fail(entry.fingerprint, "cancelled by caller"); err != nil {
		s.log.Warn("idempotency cancel-record write failed", zap.Error(err))
	}
	return true
}

// Compile renders one asset spec with the pipeline's cache/lock/retry
// pattern.
func (s *Service) Compile(ctx context.Context, kind types.AssetKind, spec types.AssetSpec, identifier string) assets.CompileResult {
	lockInfo, err := s.locks.Acquire("compile", identifier, uuid.NewString())
	if err != nil {
		return assets.CompileResult{Success: false, Error: err.Error()}
	}
	defer s.locks.Release(lockInfo.LockID)

	var result assets.CompileResult
	rerr := s.retries.Execute(ctx, retry.PhaseAssetCompilation, func(ctx context.Context) error {
		result = s.compiler.Compile(ctx, spec, identifier)
		if !result.Success {
			return types.NewPipelineError("C12", "COMPILE", identifier, result.Error)
		}
		return nil
	})
	if rerr != nil && !result.Success {
		return result
	}
	return result
}
