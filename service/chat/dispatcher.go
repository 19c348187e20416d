package chat

import (
	"context"

	"RandChat/service/protocol"
	"RandChat/tools/errs"

	"github.com/golang/glog"
)

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, f *protocol.Frame) error {
	h := d.GetHandler(f.Type)
	if h == nil {
		return errs.ErrProtocolViolation.WrapMsg("no handler", "type", f.Type)
	}
	return h.Handle(ctx, c, f)
}

func (d *Dispatcher) GetHandler(typ string) Handler {
	h, ok := d.handlers[typ]
	if !ok {
		glog.V(2).Infof("no handler for type=%v", typ)
		return nil
	}
	return h
}
