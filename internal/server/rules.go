package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cmdgate/internal/domain"
	"cmdgate/internal/engine"
)

func registerRules(api huma.API, e engine.Engine) {
	type rulePath struct {
		ID string `path:"id"`
	}
	ruleErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        ruleErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body engine.RuleChange `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		change, err := e.CreateRule(ctx, engine.RuleCreateOptions{
			Pattern:           input.Body.Pattern,
			Action:            input.Body.Action,
			Description:       input.Body.Description,
			Seq:               input.Body.Seq,
			ApprovalThreshold: input.Body.ApprovalThreshold,
			TierThresholds:    input.Body.TierThresholds,
			Cost:              input.Body.Cost,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		change.Conflicts = nonNil(change.Conflicts)
		return &struct {
			Body engine.RuleChange `json:"body"`
		}{Body: change}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List rules in evaluation order",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rules, err := e.ListRules(ctx, actorID, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleListResponse `json:"body"`
		}{Body: RuleListResponse{Items: nonNil(rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rule-conflicts",
		Method:      http.MethodGet,
		Path:        "/rules/conflicts",
		Summary:     "Shadowed and overlapping rules",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConflictListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		conflicts, err := e.ListConflicts(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConflictListResponse `json:"body"`
		}{Body: ConflictListResponse{Items: nonNil(conflicts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invalid-rules",
		Method:      http.MethodGet,
		Path:        "/rules/invalid",
		Summary:     "Stored rules whose pattern no longer compiles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InvalidRuleListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		invalid, err := e.InvalidRules(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvalidRuleListResponse `json:"body"`
		}{Body: InvalidRuleListResponse{Items: mapInvalidRules(invalid)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-rules",
		Method:      http.MethodPost,
		Path:        "/rules/seed",
		Summary:     "Install the default rule set",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rules, err := e.SeedDefaultRules(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleListResponse `json:"body"`
		}{Body: RuleListResponse{Items: nonNil(rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{id}",
		Summary:     "Get rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rl, err := e.GetRule(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: rl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{id}",
		Summary:     "Update rule",
		Errors:      ruleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body engine.RuleChange `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		change, err := e.UpdateRule(ctx, engine.RuleUpdateOptions{
			ID:                input.ID,
			Pattern:           input.Body.Pattern,
			Action:            input.Body.Action,
			Description:       input.Body.Description,
			Seq:               input.Body.Seq,
			ApprovalThreshold: input.Body.ApprovalThreshold,
			ClearThreshold:    input.Body.ClearThreshold,
			TierThresholds:    input.Body.TierThresholds,
			Cost:              input.Body.Cost,
			Active:            input.Body.Active,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		change.Conflicts = nonNil(change.Conflicts)
		return &struct {
			Body engine.RuleChange `json:"body"`
		}{Body: change}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{id}",
		Summary:     "Deactivate rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *rulePath) (*struct {
		Body engine.RuleChange `json:"body"`
	}, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		change, err := e.DeleteRule(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		change.Conflicts = nonNil(change.Conflicts)
		return &struct {
			Body engine.RuleChange `json:"body"`
		}{Body: change}, nil
	})
}
