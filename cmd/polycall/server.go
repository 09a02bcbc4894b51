package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/obinexuscomputing/libpolycall"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serverCommand struct{}

func newServerCommand() *serverCommand { return &serverCommand{} }

func (cmd *serverCommand) Run(args []string) error {
	fs := flag.NewFlagSet("polycall-server", flag.ContinueOnError)
	var (
		bind    = fs.String("bind", "127.0.0.1:8420", "bind address")
		verbose = fs.Bool("v", false, "debug logging enabled")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	configureLogger(*verbose)

	ln, err := net.Listen("tcp", *bind)
	if err != nil {
		return err
	}
	defer ln.Close()

	fmt.Printf("listening on %s\n", *bind)

	var g errgroup.Group
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		<-c
		fmt.Fprintln(os.Stderr, "received interrupt, shutting down...")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			break
		}
		g.Go(func() error {
			serveConn(conn)
			return nil
		})
	}

	return g.Wait()
}

func serveConn(netConn net.Conn) {
	transport := polycall.NewTCPTransport(netConn, 0)

	ctx, err := polycall.NewProtocolContext(nil, transport, polycall.Config{
		Callbacks: polycall.Callbacks{
			OnHandshake: func(pc *polycall.ProtocolContext) {
				if pc.State() == polycall.StateHandshake {
					_ = pc.CompleteHandshake()
				}
			},
			OnAuthRequest: func(pc *polycall.ProtocolContext, credentials []byte) {
				polycall.Logger.Info("auth request received", zap.ByteString("credentials", credentials))
				_ = pc.Update()
			},
			OnCommand: func(pc *polycall.ProtocolContext, payload []byte) {
				polycall.Logger.Info("command received", zap.ByteString("payload", payload))
				_, _ = pc.Send(polycall.MsgHeartbeat, payload, 0)
			},
			OnStateChange: func(pc *polycall.ProtocolContext, old, new polycall.ProtocolState) {
				polycall.Logger.Info("state change", zap.Stringer("from", old), zap.Stringer("to", new))
			},
		},
	})
	if err != nil {
		polycall.Logger.Error("failed to initialize protocol context", zap.Error(err))
		netConn.Close()
		return
	}
	defer ctx.Cleanup()

	transport.Start(func(frame []byte) {
		if err := ctx.Process(frame); err != nil {
			polycall.Logger.Warn("dropped frame", zap.Error(err))
		}
	})

	if err := ctx.StartHandshake(); err != nil {
		polycall.Logger.Error("failed to start handshake", zap.Error(err))
		return
	}

	// Block until the peer disconnects; the read loop is what actually
	// detects that. Cleanup runs only after this returns.
	<-waitClosed(transport)
}
