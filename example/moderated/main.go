// moderated runs a pub/sub server over stdin and stdout with a policy in front of the router.
//
// Connections are approved asynchronously, publications to channels under /private/ are
// refused, and every other request goes through. Each input line is one JSON batch, for example:
//
//	[{"channel":"/meta/connect","clientId":"alice","id":"1"}]
//	[{"channel":"/meta/subscribe","clientId":"alice","id":"2","subscription":"/news"}]
//	[{"channel":"/news","clientId":"alice","id":"3","data":{"text":"hello"}}]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-beseda"
)

const privatePrefix = "/private/"

type policy struct {
	logger *slog.Logger
}

func (p policy) HandleConnect(req *beseda.ConnectionRequest, msg beseda.Message) {
	go func() {
		// Stands in for a lookup against an external service.
		time.Sleep(50 * time.Millisecond)
		if err := req.Approve(); err != nil {
			p.logger.Warn("failed to approve connection",
				slog.String("clientID", msg.ClientID),
				slog.String("err", err.Error()))
		}
	}()
}

func (p policy) HandleSubscribe(req *beseda.SubscriptionRequest, _ beseda.Message) {
	p.resolve(req.Approve())
}

func (p policy) HandleUnsubscribe(req *beseda.UnsubscriptionRequest, _ beseda.Message) {
	p.resolve(req.Approve())
}

func (p policy) HandlePublish(req *beseda.PublicationRequest, msg beseda.Message) {
	if strings.HasPrefix(req.Channel().Name(), privatePrefix) {
		p.logger.Info("refused publication",
			slog.String("clientID", msg.ClientID),
			slog.String("channel", msg.Channel))
		p.resolve(req.Decline("publishing to private channels is not allowed"))
		return
	}
	p.resolve(req.Approve())
}

func (p policy) resolve(err error) {
	if err != nil {
		p.logger.Warn("failed to resolve request", slog.String("err", err.Error()))
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := beseda.NewRouter(
		beseda.WithPolicy(policy{logger: logger}),
		beseda.WithRouterLogger(logger),
	)
	transport := beseda.NewStdIO(os.Stdin, os.Stdout, beseda.WithStdIOLogger(logger))
	srv := beseda.NewServer(transport,
		beseda.WithRouter(router),
		beseda.WithServerLogger(logger),
	)

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	// Serve returns by itself once stdin reaches EOF.
	select {
	case <-ctx.Done():
	case <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		os.Exit(1)
	}
}
