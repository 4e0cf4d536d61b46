package notary

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
)

// WaitFunc receives wait estimates sent by the notary while a request is
// being processed.
type WaitFunc func(eta time.Duration)

// Transport carries requests from a Client to a notary.
type Transport interface {
	Info(ctx context.Context) (*protocol.NotaryInfo, error)
	Sign(ctx context.Context, req *protocol.SignRequest, onWait WaitFunc) (*protocol.SignResponse, error)
}

// LocalTransport calls a Service in the same process.
type LocalTransport struct {
	Service *Service
}

// Info implements Transport.
func (l LocalTransport) Info(context.Context) (*protocol.NotaryInfo, error) {
	info := l.Service.Info()
	return &info, nil
}

// Sign implements Transport.
func (l LocalTransport) Sign(ctx context.Context, req *protocol.SignRequest, onWait WaitFunc) (*protocol.SignResponse, error) {
	if onWait != nil {
		if u, ok := l.Service.WaitUpdate(req); ok {
			onWait(u.Eta())
		}
	}
	return l.Service.Sign(ctx, req)
}
