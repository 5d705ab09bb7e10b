package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/presenter/http/middleware"
)

func TestRecoverer(t *testing.T) {
	t.Parallel()

	h := middleware.NewLoggerMiddleware(logging.Discard())(middleware.Recoverer(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}),
	))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestGetMsgHashMiddleware(t *testing.T) {
	t.Parallel()

	valid := "0x" + strings.Repeat("ab", common.HashLength)
	for _, test := range []struct {
		Name   string
		Hash   string
		Status int
	}{
		{"valid hash", valid, http.StatusOK},
		{"short hash", "0x1234", http.StatusBadRequest},
		{"missing prefix", strings.Repeat("ab", common.HashLength+1), http.StatusBadRequest},
		{"non hex characters", "0x" + strings.Repeat("zz", common.HashLength), http.StatusBadRequest},
	} {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			var got common.Hash
			router := chi.NewRouter()
			router.With(middleware.GetMsgHashMiddleware).Get("/message/{msgHash}", func(w http.ResponseWriter, r *http.Request) {
				got = middleware.MsgHash(r.Context())
			})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/message/"+test.Hash, nil))

			require.Equal(t, test.Status, rec.Code)
			if test.Status == http.StatusOK {
				require.Equal(t, common.HexToHash(valid), got)
			}
		})
	}
}
