package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dracanus/internal/domain"
	"dracanus/internal/engine"
)

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-policy",
		Method:        http.MethodPost,
		Path:          "/policies",
		Summary:       "Create policy",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreatePolicyRequest `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		p, err := e.CreatePolicy(ctx, engine.PolicyInput{
			OwnerID:     owner,
			ProjectID:   b.ProjectID,
			Name:        b.Name,
			Description: b.Description,
			Type:        b.Type,
			Conditions:  b.Conditions,
			Action:      b.Action,
			Severity:    b.Severity,
			Active:      b.Active,
			ExpiresAt:   b.ExpiresAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Policy `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPolicies(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Policy `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-policy",
		Method:      http.MethodPatch,
		Path:        "/policies/{id}",
		Summary:     "Activate or deactivate a policy",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdatePolicyRequest `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := e.SetPolicyActive(ctx, owner, input.ID, input.Body.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})
}

func registerBlockedActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-blocked-actions",
		Method:      http.MethodGet,
		Path:        "/blocked-actions",
		Summary:     "List blocked actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"PENDING,APPROVED,REJECTED"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.BlockedAction `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListBlockedActions(ctx, owner, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BlockedAction `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-blocked-action",
		Method:      http.MethodPost,
		Path:        "/blocked-actions/{id}/resolve",
		Summary:     "Approve or reject a pending blocked action",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ResolveBlockedRequest `json:"body"`
	}) (*struct {
		Body domain.BlockedAction `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.ResolveBlockedAction(ctx, owner, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BlockedAction `json:"body"`
		}{Body: b}, nil
	})
}
