package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/presenter/http/render"
)

type ctxKey int

const (
	messageStatusCtxKey ctxKey = iota
	msgHashCtxKey
)

var (
	ErrInvalidStatus  = errors.New("invalid message status parameter")
	ErrInvalidMsgHash = errors.New("invalid message hash parameter")
)

func GetMessageStatusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "status")
		status, ok := entity.ParseMessageStatus(raw)
		if !ok {
			render.BadRequest(w, r, fmt.Errorf("%w: %q", ErrInvalidStatus, raw))
			return
		}

		ctx := context.WithValue(r.Context(), messageStatusCtxKey, status)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func MessageStatus(ctx context.Context) entity.MessageStatus {
	if status, ok := ctx.Value(messageStatusCtxKey).(entity.MessageStatus); ok {
		return status
	}
	return ""
}

func GetMsgHashMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "msgHash")
		b, err := hexutil.Decode(raw)
		if err != nil || len(b) != common.HashLength {
			render.BadRequest(w, r, fmt.Errorf("%w: %q", ErrInvalidMsgHash, raw))
			return
		}

		ctx := context.WithValue(r.Context(), msgHashCtxKey, common.BytesToHash(b))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func MsgHash(ctx context.Context) common.Hash {
	if hash, ok := ctx.Value(msgHashCtxKey).(common.Hash); ok {
		return hash
	}
	return common.Hash{}
}
