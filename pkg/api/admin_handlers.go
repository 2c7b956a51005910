package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/httputil"
	"github.com/platinummonkey/orgfeed/pkg/middleware"
)

type createOrganizationRequest struct {
	Name                string `json:"name"`
	AllowAuthorSelfEdit bool   `json:"allowAuthorSelfEdit"`
}

type updateSettingsRequest struct {
	AllowAuthorSelfEdit *bool `json:"allowAuthorSelfEdit"`
}

type addMemberRequest struct {
	UserID string `json:"userId"`
	RoleID string `json:"roleId,omitempty"`
}

type assignRoleRequest struct {
	RoleID string `json:"roleId"`
}

type assignTierRequest struct {
	TierID    string     `json:"membershipTierId"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type createRoleRequest struct {
	Name        string                `json:"name"`
	Permissions []authz.PermissionKey `json:"permissions"`
}

type renameRoleRequest struct {
	Name string `json:"name"`
}

type createTierRequest struct {
	Name     string             `json:"name"`
	FeeCents int64              `json:"feeCents"`
	Cycle    authz.BillingCycle `json:"cycle"`
}

type permissionResponse struct {
	Permission authz.PermissionKey `json:"permission"`
	Allowed    bool                `json:"allowed"`
}

func (s *Server) createOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	org, err := s.svc.Admin.CreateOrganization(r.Context(), middleware.ViewerID(r), req.Name, req.AllowAuthorSelfEdit)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, org)
}

func (s *Server) getOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.svc.Admin.Store().GetOrganization(r.Context(), httputil.PathVar(r, "orgID"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.AllowAuthorSelfEdit == nil {
		httputil.WriteBadRequest(w, "no settings to change")
		return
	}

	orgID := httputil.PathVar(r, "orgID")
	if err := s.svc.Admin.SetAuthorSelfEdit(r.Context(), middleware.ViewerID(r), orgID, *req.AllowAuthorSelfEdit); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	s.getOrganization(w, r)
}

func (s *Server) hasPermission(w http.ResponseWriter, r *http.Request) {
	key := authz.PermissionKey(httputil.PathVar(r, "key"))
	if !key.Valid() {
		httputil.WriteBadRequest(w, fmt.Sprintf("unknown permission %q", key))
		return
	}

	allowed := s.svc.Admin.Checker().HasPermission(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), key)
	httputil.WriteSuccess(w, permissionResponse{Permission: key, Allowed: allowed})
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	member, err := s.svc.Admin.Join(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, member)
}

// requireMember hides organization internals from non-members
func (s *Server) requireMember(ctx context.Context, viewerID, orgID string) error {
	viewer, err := s.svc.Admin.Checker().ResolveViewerContext(ctx, viewerID, orgID)
	if err != nil {
		return err
	}
	if !viewer.IsMember {
		return fmt.Errorf("organization %s: %w", orgID, errs.ErrNotFound)
	}
	return nil
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := httputil.PathVar(r, "orgID")
	if err := s.requireMember(ctx, middleware.ViewerID(r), orgID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	members, err := s.svc.Admin.Store().ListMembers(ctx, orgID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !requireField(w, req.UserID, "userId") {
		return
	}

	member, err := s.svc.Admin.AddMember(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), req.UserID, req.RoleID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, member)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Admin.RemoveMember(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "userID"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !requireField(w, req.RoleID, "roleId") {
		return
	}

	err := s.svc.Admin.AssignRole(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "userID"), req.RoleID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) assignTier(w http.ResponseWriter, r *http.Request) {
	var req assignTierRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	err := s.svc.Admin.AssignTier(r.Context(), middleware.ViewerID(r), httputil.PathVar(r, "orgID"), httputil.PathVar(r, "userID"), req.TierID, req.ExpiresAt)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := httputil.PathVar(r, "orgID")
	if err := s.requireMember(ctx, middleware.ViewerID(r), orgID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	roles, err := s.svc.Admin.Store().ListRoles(ctx, orgID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !requireField(w, req.Name, "name") {
		return
	}

	role := &authz.Role{
		OrganizationID: httputil.PathVar(r, "orgID"),
		Name:           req.Name,
		Permissions:    req.Permissions,
	}
	if err := s.svc.Admin.CreateRole(r.Context(), middleware.ViewerID(r), role); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// roleInOrg rejects role ids that belong to another organization than the
// one in the path
func (s *Server) roleInOrg(ctx context.Context, orgID, roleID string) error {
	role, err := s.svc.Admin.Store().GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.OrganizationID != orgID {
		return fmt.Errorf("role %s: %w", roleID, errs.ErrNotFound)
	}
	return nil
}

func (s *Server) renameRole(w http.ResponseWriter, r *http.Request) {
	var req renameRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !requireField(w, req.Name, "name") {
		return
	}

	ctx := r.Context()
	roleID := httputil.PathVar(r, "roleID")
	if err := s.roleInOrg(ctx, httputil.PathVar(r, "orgID"), roleID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if err := s.svc.Admin.RenameRole(ctx, middleware.ViewerID(r), roleID, req.Name); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roleID := httputil.PathVar(r, "roleID")
	if err := s.roleInOrg(ctx, httputil.PathVar(r, "orgID"), roleID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if err := s.svc.Admin.DeleteRole(ctx, middleware.ViewerID(r), roleID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) grantPermission(w http.ResponseWriter, r *http.Request) {
	s.changePermission(w, r, s.svc.Admin.GrantPermission)
}

func (s *Server) revokePermission(w http.ResponseWriter, r *http.Request) {
	s.changePermission(w, r, s.svc.Admin.RevokePermission)
}

func (s *Server) changePermission(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, actorID, roleID string, key authz.PermissionKey) error) {
	key := authz.PermissionKey(httputil.PathVar(r, "key"))
	if !key.Valid() {
		httputil.WriteBadRequest(w, fmt.Sprintf("unknown permission %q", key))
		return
	}

	ctx := r.Context()
	roleID := httputil.PathVar(r, "roleID")
	if err := s.roleInOrg(ctx, httputil.PathVar(r, "orgID"), roleID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if err := change(ctx, middleware.ViewerID(r), roleID, key); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listTiers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := httputil.PathVar(r, "orgID")
	if err := s.requireMember(ctx, middleware.ViewerID(r), orgID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	tiers, err := s.svc.Admin.Store().ListTiers(ctx, orgID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tiers": tiers})
}

func (s *Server) createTier(w http.ResponseWriter, r *http.Request) {
	var req createTierRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !requireField(w, req.Name, "name") {
		return
	}

	tier := &authz.MembershipTier{
		OrganizationID: httputil.PathVar(r, "orgID"),
		Name:           req.Name,
		FeeCents:       req.FeeCents,
		Cycle:          req.Cycle,
	}
	if err := s.svc.Admin.CreateTier(r.Context(), middleware.ViewerID(r), tier); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, tier)
}

func (s *Server) deleteTier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tierID := httputil.PathVar(r, "tierID")

	tier, err := s.svc.Admin.Store().GetTier(ctx, tierID)
	if err == nil && tier.OrganizationID != httputil.PathVar(r, "orgID") {
		err = fmt.Errorf("tier %s: %w", tierID, errs.ErrNotFound)
	}
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	if err := s.svc.Admin.DeleteTier(ctx, middleware.ViewerID(r), tierID); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func requireField(w http.ResponseWriter, value, name string) bool {
	if strings.TrimSpace(value) == "" {
		httputil.WriteBadRequest(w, fmt.Sprintf("%s is required", name))
		return false
	}
	return true
}
