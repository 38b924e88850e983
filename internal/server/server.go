// Package server exposes the assessment engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dealnexus/internal/domain"
	"dealnexus/internal/engine"
	"dealnexus/internal/pipeline"
	"dealnexus/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine       *engine.Engine
	Orchestrator *pipeline.Orchestrator
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"sequence_violation"`
	Message string         `json:"message" example:"turn 3 after turn 1 of 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the DealNexus API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("DealNexus API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerPipeline(group, cfg.Orchestrator)
	registerNegotiations(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope. The taxonomy is closed:
// anything unmapped is an internal error.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, domain.ErrSequenceViolation):
		return newAPIError(http.StatusConflict, "sequence_violation", err.Error(), nil)
	case errors.Is(err, domain.ErrTimeout):
		return newAPIError(http.StatusConflict, "timeout", err.Error(), nil)
	case errors.Is(err, domain.ErrGateBlocked):
		return newAPIError(http.StatusConflict, "gate_blocked", err.Error(), nil)
	case errors.Is(err, domain.ErrIrrecoverable):
		return newAPIError(http.StatusInternalServerError, "irrecoverable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type CasePath struct {
	CaseID string `path:"case_id"`
}

func registerCases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			ID     string `json:"id,omitempty"`
			Client string `json:"client,omitempty"`
		}
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.CreateCase(ctx, input.Body.ID, input.Body.Client)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		cases, err := e.Repo.ListCases(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: cases}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Case view",
	}, func(ctx context.Context, input *CasePath) (*struct {
		Body engine.CaseView `json:"body"`
	}, error) {
		view, err := e.View(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CaseView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/status",
		Summary:     "Report readiness status",
	}, func(ctx context.Context, input *CasePath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		status, err := e.ReportStatus(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"case_id": input.CaseID, "status": status}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/events",
		Summary:     "Event log, newest first",
	}, func(ctx context.Context, input *struct {
		CasePath
		Kind  string `query:"kind"`
		Role  string `query:"role"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		evs, err := e.Repo.LatestEvents(ctx, input.CaseID, repo.EventFilter{
			Kind:       input.Kind,
			SourceRole: input.Role,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evs}, nil
	})
}

func registerPipeline(api huma.API, o *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "run-pipeline",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/run",
		Summary:     "Run the assessment pipeline",
	}, func(ctx context.Context, input *struct {
		CasePath
		Body struct {
			Transcript    string `json:"transcript" minLength:"1"`
			ClientContext string `json:"client_context,omitempty"`
		}
	}) (*struct {
		Body pipeline.Result `json:"body"`
	}, error) {
		res, err := o.Run(ctx, input.CaseID, input.Body.Transcript, input.Body.ClientContext)
		if err != nil {
			if errors.Is(err, domain.ErrGateBlocked) {
				return nil, newAPIError(http.StatusConflict, "gate_blocked", err.Error(), map[string]any{
					"status":      res.Status,
					"halt_reason": res.HaltReason,
				})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body pipeline.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerNegotiations(api huma.API, e *engine.Engine) {
	type NegotiationPath struct {
		CasePath
		NegotiationID string `path:"negotiation_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "open-negotiation",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/negotiations",
		Summary:       "Open a negotiation over a risk",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		CasePath
		Body struct {
			Risk      domain.Risk `json:"risk"`
			Initiator string      `json:"initiator,omitempty"`
			Responder string      `json:"responder,omitempty"`
		}
	}) (*struct {
		Body domain.Negotiation `json:"body"`
	}, error) {
		initiator := input.Body.Initiator
		if initiator == "" {
			initiator = domain.RoleCompliance
		}
		responder := input.Body.Responder
		if responder == "" {
			responder = "client"
		}
		n, err := e.OpenNegotiation(ctx, input.CaseID, input.Body.Risk, initiator, responder)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Negotiation `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-turn",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/negotiations/{negotiation_id}/turns",
		Summary:     "Submit the next negotiation turn",
	}, func(ctx context.Context, input *struct {
		NegotiationPath
		Body struct {
			Turn               int      `json:"turn" minimum:"2" maximum:"3"`
			ProposedMitigation string   `json:"proposed_mitigation,omitempty"`
			ExclusionScope     []string `json:"exclusion_scope,omitempty"`
			Note               string   `json:"note,omitempty"`
		}
	}) (*struct {
		Body domain.Negotiation `json:"body"`
	}, error) {
		n, err := e.SubmitTurn(ctx, input.CaseID, domain.NegotiationTurnPayload{
			NegotiationID:      input.NegotiationID,
			Turn:               input.Body.Turn,
			ProposedMitigation: input.Body.ProposedMitigation,
			ExclusionScope:     input.Body.ExclusionScope,
			Note:               input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Negotiation `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-negotiation",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/negotiations/{negotiation_id}/resolve",
		Summary:     "Close a negotiation with an agreed mitigation",
	}, func(ctx context.Context, input *struct {
		NegotiationPath
		Body struct {
			Mitigation string `json:"mitigation" minLength:"1"`
		}
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.ResolveNegotiation(ctx, input.CaseID, input.NegotiationID, input.Body.Mitigation); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"negotiation_id": input.NegotiationID, "status": domain.NegotiationResolved}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deadlock-negotiation",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/negotiations/{negotiation_id}/deadlock",
		Summary:     "Close a negotiation without agreement",
	}, func(ctx context.Context, input *struct {
		NegotiationPath
		Body struct {
			Reason string `json:"reason" enum:"irreconcilable,turns_exhausted,timeout"`
			Detail string `json:"detail,omitempty"`
		}
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.DeadlockNegotiation(ctx, input.CaseID, input.NegotiationID, input.Body.Reason, input.Body.Detail); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"negotiation_id": input.NegotiationID, "status": domain.NegotiationDeadlock}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "human-resolution",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/negotiations/{negotiation_id}/resolution",
		Summary:     "Record a human disposition of a deadlocked negotiation",
	}, func(ctx context.Context, input *struct {
		NegotiationPath
		Body struct {
			Status     string `json:"status" enum:"RESOLVED,DISMISSED"`
			ResolvedBy string `json:"resolved_by" minLength:"1"`
			Note       string `json:"note,omitempty"`
		}
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		err := e.ResolveHuman(ctx, input.CaseID, domain.HumanResolutionPayload{
			NegotiationID: input.NegotiationID,
			Status:        input.Body.Status,
			ResolvedBy:    input.Body.ResolvedBy,
			Note:          input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"negotiation_id": input.NegotiationID, "status": input.Body.Status}}, nil
	})
}
