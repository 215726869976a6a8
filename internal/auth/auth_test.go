package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		stored string
		input  string
		ok     bool
	}{
		{name: "empty token denied", stored: "", input: "", ok: false},
		{name: "mismatched token denied", stored: "abc", input: "xyz", ok: false},
		{name: "prefix denied", stored: "abc", input: "ab", ok: false},
		{name: "match accepted", stored: "abc", input: "abc", ok: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrUnauthorized)
			}
			logs.Logf("auth/static-token: stored=%q input=%q err=%v", tc.stored, tc.input, err)
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	token, ok := BearerToken("Bearer s3cret")
	require.True(t, ok)
	require.Equal(t, "s3cret", token)

	token, ok = BearerToken("  bearer   s3cret ")
	require.True(t, ok)
	require.Equal(t, "s3cret", token)

	for _, h := range []string{"", "Bearer", "Bearer  ", "Basic abc", "s3cret"} {
		_, ok := BearerToken(h)
		require.False(t, ok, h)
	}
}

func TestRequireBearer(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", RequireBearer(StaticToken{Token: "s3cret"}), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/private", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := do("")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
	require.Equal(t, http.StatusUnauthorized, do("Bearer wrong").Code)

	rr = do("Bearer s3cret")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
	logs.Logf("auth/bearer: GET /private rejects missing and wrong tokens")
}
