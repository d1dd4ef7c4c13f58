package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey), "role": c.MustGet(RoleKey)})
	})
	r.DELETE("/rooms/:roomId", JWTAuth(secret), RequireRole(models.RoleDoctor), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := router()
	doctor, err := IssueToken(secret, "doctor-1", models.RoleDoctor, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "doctor-1", models.RoleDoctor, -time.Minute)
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "doctor-1", models.RoleDoctor, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name string
		auth string
		code int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Token " + doctor, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"valid", "Bearer " + doctor, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, "/me", tt.auth)
			assert.Equal(t, tt.code, w.Code)
		})
	}

	w := do(r, http.MethodGet, "/me", "Bearer "+doctor)
	assert.JSONEq(t, `{"user_id":"doctor-1","role":"doctor"}`, w.Body.String())
}

func TestRequireRole(t *testing.T) {
	r := router()
	doctor, err := IssueToken(secret, "doctor-1", models.RoleDoctor, time.Hour)
	require.NoError(t, err)
	patient, err := IssueToken(secret, "patient-7", models.RolePatient, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/rooms/room_42", "Bearer "+doctor).Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodDelete, "/rooms/room_42", "Bearer "+patient).Code)
}

func TestParseToken(t *testing.T) {
	token, err := IssueToken(secret, "nurse-3", models.RoleNurse, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "nurse-3", claims.UserID)
	assert.Equal(t, models.RoleNurse, claims.Role)

	_, err = ParseToken(secret, "not-a-token")
	assert.Error(t, err)
}
