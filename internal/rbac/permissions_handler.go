package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buildpay/buildpay/internal/platform/httpx"
	"github.com/buildpay/buildpay/internal/shared"
)

// PermissionsHandler exposes the signed-in actor and its grants.
type PermissionsHandler struct {
	csrf *shared.CSRFManager
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(csrf *shared.CSRFManager) *PermissionsHandler {
	return &PermissionsHandler{csrf: csrf}
}

// MountRoutes registers /me routes. Callers mount it behind Authenticate.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.me)
}

type meResponse struct {
	Principal
	CSRFToken string `json:"csrf_token,omitempty"`
}

func (h *PermissionsHandler) me(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	resp := meResponse{Principal: Principal{UserID: actor.UserID, Role: actor.Role, Permissions: PermissionsFor(actor.Role)}}
	if h.csrf != nil {
		if token, err := h.csrf.EnsureToken(shared.SessionFromContext(r.Context())); err == nil {
			resp.CSRFToken = token
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}
