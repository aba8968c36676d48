package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cmdgate/internal/domain"
	"cmdgate/internal/engine"
	"cmdgate/internal/repo"
)

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-command",
		Method:        http.MethodPost,
		Path:          "/commands",
		Summary:       "Submit a command for gating",
		Description:   "Auto-accepted commands come back EXECUTED, rejected ones REJECTED and gated ones NEEDS_APPROVAL. Insufficient credits answer 402 and fail-closed misses 403; both still persist the command, whose id is in the error details.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitCommandRequest `json:"body"`
	}) (*struct {
		Body domain.Command `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmd, err := e.SubmitCommand(ctx, actorID, input.Body.CommandText)
		if err != nil {
			mapped := handleError(err)
			if cmd.ID != "" {
				mapped = withDetails(mapped, map[string]any{
					"command_id": cmd.ID,
					"status":     cmd.Status,
				})
			}
			return nil, mapped
		}
		return &struct {
			Body domain.Command `json:"body"`
		}{Body: cmd}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commands",
		Method:      http.MethodGet,
		Path:        "/commands",
		Summary:     "List commands, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		All    bool   `query:"all" doc:"every user's commands; admin only"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body CommandListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmds, err := e.ListCommands(ctx, actorID, input.All, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandListResponse `json:"body"`
		}{Body: CommandListResponse{Items: nonNil(cmds)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-command",
		Method:      http.MethodGet,
		Path:        "/commands/{id}",
		Summary:     "Get command",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Command `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmd, err := e.GetCommand(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Command `json:"body"`
		}{Body: cmd}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	type approvalPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
		Description: "Admins see every request; members see only their own.",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		RequesterID string `query:"requester_id"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body ApprovalListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reqs, err := e.ListApprovals(ctx, actorID, repo.ApprovalFilters{
			Status:      input.Status,
			RequesterID: input.RequesterID,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalListResponse `json:"body"`
		}{Body: ApprovalListResponse{Items: nonNil(reqs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get approval request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *approvalPath) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.GetApproval(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/votes",
		Summary:     "Approve or reject a pending request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CastVoteRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CastVote(ctx, actorID, input.ID, input.Body.Vote, input.Body.Comment)
		if err != nil {
			mapped := handleError(err)
			if req.ID != "" && (errors.Is(err, engine.ErrExpiredApprovalRequest) || errors.Is(err, engine.ErrRequestAlreadyResolved)) {
				mapped = withDetails(mapped, map[string]any{"request_status": req.Status})
			}
			return nil, mapped
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}/votes",
		Summary:     "Votes cast on a request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *approvalPath) (*struct {
		Body VoteListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		votes, err := e.ListVotes(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteListResponse `json:"body"`
		}{Body: VoteListResponse{Items: nonNil(votes)}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Page through the audit trail, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID      string `query:"actor_id"`
		ActionType   string `query:"action_type"`
		ResourceType string `query:"resource_type"`
		ResourceID   string `query:"resource_id"`
		Limit        int    `query:"limit"`
		Cursor       int64  `query:"cursor" doc:"next_cursor from the previous page"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Cursor < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		page, err := e.ListAudit(ctx, actorID, repo.AuditFilters{
			ActorID:      input.ActorID,
			ActionType:   input.ActionType,
			ResourceType: input.ResourceType,
			ResourceID:   input.ResourceID,
		}, normalizeLimit(input.Limit), input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: nonNil(page.Entries), NextCursor: page.NextCursor}}, nil
	})
}
