package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/obinexuscomputing/libpolycall"
	"go.uber.org/zap"
)

type clientCommand struct{}

func newClientCommand() *clientCommand { return &clientCommand{} }

func (cmd *clientCommand) Run(args []string) error {
	fs := flag.NewFlagSet("polycall-client", flag.ContinueOnError)
	var (
		server  = fs.String("server", "127.0.0.1:8420", "server address")
		creds   = fs.String("credentials", "demo-token", "opaque credentials sent during auth")
		verbose = fs.Bool("v", false, "debug logging enabled")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	configureLogger(*verbose)

	netConn, err := net.Dial("tcp", *server)
	if err != nil {
		return err
	}

	transport := polycall.NewTCPTransport(netConn, 0)

	ctx, err := polycall.NewProtocolContext(nil, transport, polycall.Config{
		Callbacks: polycall.Callbacks{
			OnHandshake: func(pc *polycall.ProtocolContext) {
				if pc.State() == polycall.StateHandshake {
					_ = pc.CompleteHandshake()
				}
			},
			OnAuthRequest: func(pc *polycall.ProtocolContext, credentials []byte) {
				_ = pc.Update()
			},
			OnCommand: func(pc *polycall.ProtocolContext, payload []byte) {
				polycall.Logger.Info("command echoed back", zap.ByteString("payload", payload))
			},
			OnStateChange: func(pc *polycall.ProtocolContext, old, new polycall.ProtocolState) {
				polycall.Logger.Info("state change", zap.Stringer("from", old), zap.Stringer("to", new))
				if new == polycall.StateAuth {
					if err := pc.Authenticate([]byte(*creds)); err != nil {
						polycall.Logger.Error("authenticate failed", zap.Error(err))
					}
				}
				if new == polycall.StateReady {
					if _, err := pc.Send(polycall.MsgCommand, []byte("ping"), 0); err != nil {
						polycall.Logger.Error("send command failed", zap.Error(err))
					}
				}
			},
		},
	})
	if err != nil {
		netConn.Close()
		return err
	}
	defer ctx.Cleanup()

	transport.Start(func(frame []byte) {
		if err := ctx.Process(frame); err != nil {
			polycall.Logger.Warn("dropped frame", zap.Error(err))
		}
	})

	if err := ctx.StartHandshake(); err != nil {
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	select {
	case <-c:
	case <-time.After(30 * time.Second):
	case <-transport.Done():
	}

	return nil
}
