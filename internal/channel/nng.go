package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	"go.uber.org/zap"

	// ipc and tcp dialers
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// NNG talks to the bridge's Rep0/Pub0 listeners.
type NNG struct {
	cmdAddr        string
	statAddr       string
	commandTimeout time.Duration
	receiveTimeout time.Duration
	logger         *zap.Logger
}

func NewNNG(cfg config.BridgeConfig, logger *zap.Logger) *NNG {
	return &NNG{
		cmdAddr:        cfg.CommandAddr,
		statAddr:       cfg.StatusAddr,
		commandTimeout: cfg.CommandTimeout,
		receiveTimeout: cfg.ReceiveTimeout,
		logger:         logger,
	}
}

func (n *NNG) Request(ctx context.Context, payload []byte) ([]byte, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to open req socket: %w", err)
	}
	defer sock.Close()

	// A cancelled caller closes the socket, which unblocks Send/Recv.
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	timeout := n.commandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return nil, ErrTimeout
	}

	if err := sock.SetOption(mangos.OptionSendDeadline, timeout); err != nil {
		return nil, fmt.Errorf("failed to set send deadline: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return nil, fmt.Errorf("failed to set recv deadline: %w", err)
	}

	if err := sock.Dial(n.cmdAddr); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", n.cmdAddr, err)
	}

	if err := sock.Send(payload); err != nil {
		return nil, n.mapErr(ctx, err)
	}

	reply, err := sock.Recv()
	if err != nil {
		return nil, n.mapErr(ctx, err)
	}
	return reply, nil
}

func (n *NNG) mapErr(ctx context.Context, err error) error {
	if errors.Is(err, mangos.ErrRecvTimeout) || errors.Is(err, mangos.ErrSendTimeout) {
		return ErrTimeout
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctxErr
	}
	if errors.Is(err, mangos.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (n *NNG) Subscribe() (Subscription, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to open sub socket: %w", err)
	}

	if err := sock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, n.receiveTimeout); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set recv deadline: %w", err)
	}
	// The bridge may start after us; keep redialing in the background.
	if err := sock.SetOption(mangos.OptionDialAsynch, true); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set async dial: %w", err)
	}

	if err := sock.Dial(n.statAddr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", n.statAddr, err)
	}

	n.logger.Info("Subscribed to bridge status", zap.String("addr", n.statAddr))
	return &nngSubscription{sock: sock}, nil
}

type nngSubscription struct {
	sock mangos.Socket
}

func (s *nngSubscription) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrRecvTimeout) {
			return nil, ErrReceiveTimeout
		}
		if errors.Is(err, mangos.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return msg, nil
}

func (s *nngSubscription) Close() error {
	return s.sock.Close()
}
