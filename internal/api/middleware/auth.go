package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

type contextKey string

const (
	// UserIDKey is the context key for the authenticated user id.
	UserIDKey contextKey = "user_id"
	// PlanKey is the context key for the user's billing plan.
	PlanKey contextKey = "plan"
)

// knownPlans guards against arbitrary header values; anything unrecognized
// is treated as free.
var knownPlans = map[models.UserPlan]bool{
	models.PlanFree:    true,
	models.PlanStarter: true,
	models.PlanPro:     true,
	models.PlanScale:   true,
}

// Identity extracts the caller's identity from the X-User-Id and X-User-Plan
// headers set by the upstream gateway. Requests without an identity are
// rejected; this service never faces the public internet directly.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing X-User-Id header"}`))
			return
		}

		plan := models.UserPlan(strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Plan"))))
		if !knownPlans[plan] {
			plan = models.PlanFree
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, PlanKey, plan)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID retrieves the authenticated user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetPlan retrieves the billing plan from the request context.
func GetPlan(ctx context.Context) models.UserPlan {
	if v, ok := ctx.Value(PlanKey).(models.UserPlan); ok {
		return v
	}
	return models.PlanFree
}
