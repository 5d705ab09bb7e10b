package presenter

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/logging"
	"github.com/linea-world-id/state-bridge-relayer/monitor"
	mw "github.com/linea-world-id/state-bridge-relayer/presenter/http/middleware"
	"github.com/linea-world-id/state-bridge-relayer/presenter/http/render"
)

type StatusProvider interface {
	Status(ctx context.Context) (*monitor.Status, error)
}

// Presenter serves a read-only JSON view of the message ledger and the
// relayer state.
type Presenter struct {
	logger    logging.Logger
	repo      entity.MessagesRepo
	status    StatusProvider
	l1ChainID string
	root      chi.Router
}

func NewPresenter(logger logging.Logger, repo entity.MessagesRepo, status StatusProvider, l1ChainID string) *Presenter {
	p := &Presenter{
		logger:    logger.WithField("service", "presenter"),
		repo:      repo,
		status:    status,
		l1ChainID: l1ChainID,
		root:      chi.NewMux(),
	}
	p.root.Use(middleware.Throttle(5))
	p.root.Use(middleware.RequestID)
	p.root.Use(mw.NewLoggerMiddleware(p.logger))
	p.root.Use(mw.Recoverer)
	p.root.With(mw.GetMessageStatusMiddleware).Get("/messages/{status}", p.GetMessages)
	p.root.With(mw.GetMsgHashMiddleware).Get("/message/{msgHash}", p.GetMessage)
	p.root.Get("/status", p.GetStatus)
	return p
}

func (p *Presenter) Serve(addr string) error {
	p.logger.WithField("addr", addr).Info("starting presenter service")
	return http.ListenAndServe(addr, p.root)
}

func (p *Presenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.root.ServeHTTP(w, r)
}

func (p *Presenter) GetMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := mw.MessageStatus(ctx)

	msgs, err := p.repo.ListByStatus(ctx, status)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	res := &MessagesResult{
		Status:   status,
		Count:    len(msgs),
		Messages: make([]*MessageInfo, 0, len(msgs)),
	}
	for _, msg := range msgs {
		res.Messages = append(res.Messages, p.messageToMessageInfo(msg))
	}
	render.JSON(w, r, http.StatusOK, res)
}

func (p *Presenter) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := p.repo.GetByHash(ctx, mw.MsgHash(ctx))
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, p.messageToMessageInfo(msg))
}

func (p *Presenter) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := p.status.Status(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, status)
}
