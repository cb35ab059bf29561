package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/crewdeck/crewdeck/pkg/models"
)

// CreateClaimRequest is the body of POST /api/claims.
type CreateClaimRequest struct {
	IssueID     string             `json:"issueId"`
	Source      models.Source      `json:"source,omitempty"`
	SourceRef   string             `json:"sourceRef,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Status      models.ClaimStatus `json:"status,omitempty"`
	Claimant    *models.Claimant   `json:"claimant,omitempty"`
	Context     string             `json:"context,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	Labels      []string           `json:"labels,omitempty"`
}

// ClaimRequest is the body of POST /api/claims/:id/claim.
type ClaimRequest struct {
	Claimant *models.Claimant `json:"claimant"`
}

// listClaimsHandler handles GET /api/claims.
func (s *Server) listClaimsHandler(c *echo.Context) error {
	var filter models.ClaimFilter

	if v := c.QueryParam("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			st := models.ClaimStatus(raw)
			if !models.ValidStatus(st) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+raw)
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := c.QueryParam("source"); v != "" {
		src := models.Source(v)
		if !models.ValidSource(src) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid source: "+v)
		}
		filter.Source = src
	}
	if v := c.QueryParam("claimantType"); v != "" {
		ct := models.ClaimantType(v)
		if ct != models.ClaimantHuman && ct != models.ClaimantAgent {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid claimantType: "+v)
		}
		filter.ClaimantType = ct
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	claims, err := s.store.ListClaims(ctx, filter)
	if err != nil {
		return mapStorageError(err)
	}
	if claims == nil {
		claims = []*models.Claim{}
	}
	return c.JSON(http.StatusOK, claims)
}

// getClaimHandler handles GET /api/claims/:id.
func (s *Server) getClaimHandler(c *echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	claim, err := s.store.GetClaim(ctx, c.Param("id"))
	if err != nil {
		return mapStorageError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

// createClaimHandler handles POST /api/claims.
func (s *Server) createClaimHandler(c *echo.Context) error {
	var req CreateClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	claim, err := s.store.CreateClaim(ctx, &models.Claim{
		IssueID:     req.IssueID,
		Source:      req.Source,
		SourceRef:   req.SourceRef,
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Claimant:    req.Claimant,
		Context:     req.Context,
		Metadata:    req.Metadata,
		Labels:      req.Labels,
	})
	if err != nil {
		return mapStorageError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

// updateClaimHandler handles PATCH /api/claims/:id.
func (s *Server) updateClaimHandler(c *echo.Context) error {
	var update models.ClaimUpdate
	if err := c.Bind(&update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	claim, err := s.store.UpdateClaim(ctx, c.Param("id"), update)
	if err != nil {
		return mapStorageError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

// deleteClaimHandler handles DELETE /api/claims/:id.
func (s *Server) deleteClaimHandler(c *echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	deleted, err := s.store.DeleteClaim(ctx, c.Param("id"))
	if err != nil {
		return mapStorageError(err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// claimHandler handles POST /api/claims/:id/claim. Assigning a claimant moves
// the claim to active.
func (s *Server) claimHandler(c *echo.Context) error {
	var req ClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Claimant == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "claimant is required")
	}

	status := models.StatusActive
	ctx, cancel := requestContext(c)
	defer cancel()
	claim, err := s.store.UpdateClaim(ctx, c.Param("id"), models.ClaimUpdate{
		Claimant: req.Claimant,
		Status:   &status,
	})
	if err != nil {
		return mapStorageError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

// releaseHandler handles POST /api/claims/:id/release. Releasing clears the
// claimant and returns the claim to backlog.
func (s *Server) releaseHandler(c *echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	claim, err := s.store.UpdateClaim(ctx, c.Param("id"), models.ClaimUpdate{
		ClearClaimant: true,
	})
	if err != nil {
		return mapStorageError(err)
	}
	return c.JSON(http.StatusOK, claim)
}
