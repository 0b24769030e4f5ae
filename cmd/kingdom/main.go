package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbocsi/kingdom/broker"
	"github.com/mbocsi/kingdom/config"
	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/services"
	"github.com/mbocsi/kingdom/web"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a kingdom TOML config")
	template := flag.Bool("template", false, "print a starter config and exit")
	id := flag.String("id", "", "device id, overrides the config file")
	tcpAddr := flag.String("tcp", ":7400", "TCP listen address when no config is given")
	webAddr := flag.String("web", "", "status API address when no config is given")
	flag.Parse()

	if *template {
		fmt.Print(config.Template())
		return
	}

	f, err := loadConfig(*configPath, *tcpAddr, *webAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *id != "" {
		f.Device = proto.DeviceID(*id)
	}
	if f.MCP {
		// stdout carries the MCP protocol
		f.Log.Output = os.Stderr
	}
	server.SetupLogger(f.Log)

	if err := run(f); err != nil {
		slog.Error("Kingdom node failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path, tcpAddr, webAddr string) (config.File, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.File{
		Node:       server.DefaultConfig(),
		Log:        server.DefaultLogConfig(),
		WebAddr:    webAddr,
		Transports: []config.TransportSpec{{Type: "tcp", Addr: tcpAddr}},
	}, nil
}

func run(f config.File) error {
	node, err := server.NewNode(f.Build())
	if err != nil {
		return err
	}

	b := broker.NewBroker()
	node.AddListener(broker.NewListener(b, node.ID(), node))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	slog.Info("Starting kingdom node", "device", node.ID())
	g.Go(func() error {
		return node.Run(ctx)
	})

	if f.WebAddr != "" {
		ws := web.NewServer(services.NewServiceContainer(node), b)
		g.Go(func() error {
			return ws.Start(f.WebAddr)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ws.Shutdown(shutdownCtx)
		})
	}

	if f.MCP {
		mcpServer := server.NewMCPServer(node)
		go func() {
			if err := mcpServer.Start(); err != nil {
				slog.Warn("MCP server stopped", "error", err)
			}
		}()
	}

	return g.Wait()
}
