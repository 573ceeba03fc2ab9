package identity

import (
	"encoding/json"
	"net/http"
)

// Handler publishes the local provider's verification material so other
// services can check the access tokens it issues.
type Handler struct {
	tokens *TokenIssuer
}

func NewHandler(tokens *TokenIssuer) *Handler {
	return &Handler{tokens: tokens}
}

func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	iss := h.tokens.Issuer()
	out := map[string]any{
		"issuer":                                iss,
		"jwks_uri":                              iss + "/.well-known/jwks.json",
		"introspection_endpoint":                iss + "/introspect",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.tokens.JWKS())
}

// Introspect implements RFC 7662 for access tokens issued by this service.
// Anything that does not verify is reported as inactive.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	token := r.Form.Get("token")
	if token == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	claims, err := h.tokens.Verify(token)
	if err != nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"active":     true,
		"sub":        claims.Subject,
		"email":      claims.Email,
		"iss":        h.tokens.Issuer(),
		"exp":        claims.Expires.Unix(),
		"token_type": "access_token",
	})
}
