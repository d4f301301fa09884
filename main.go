package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/Meander-Cloud/go-peerlink/config"
	"github.com/Meander-Cloud/go-peerlink/link"
	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
	"github.com/Meander-Cloud/go-peerlink/net/oneshot"
	"github.com/Meander-Cloud/go-peerlink/net/tcp"
)

var (
	app = kingpin.New("peerlink", "Peer link server and client.")

	configFile    = app.Flag("config.file", "Path to configuration file.").Default("").String()
	listenAddress = app.Flag("metrics.listen-address", "Address to expose metrics on, empty disables.").Default("").String()
	metricsPath   = app.Flag("metrics.path", "Path under which to expose metrics.").Default(config.MetricsPath).String()
	logDebug      = app.Flag("log.debug", "Enable debug logging.").Bool()

	serverCmd     = app.Command("server", "Admit clients and verify they stay alive.")
	serverAddress = serverCmd.Flag("address", "Address to listen on.").String()
	serverPort    = serverCmd.Flag("port", "Port to listen on.").Uint16()
	serverMax     = serverCmd.Flag("max-peers", "Maximum number of admitted clients.").Uint16()

	clientCmd         = app.Command("client", "Connect to a server and stay connected.")
	clientServer      = clientCmd.Flag("server", "Server address to connect to.").String()
	clientServerPort  = clientCmd.Flag("server-port", "Server port to connect to.").Uint16()
	clientSelfPort    = clientCmd.Flag("self-port", "Port advertised as this client's identity.").Uint16()
	clientReconnect   = clientCmd.Flag("reconnect", "Reconnect policy after the session is lost.").Default("prompt").Enum("prompt", "auto", "never")
	reconnectAttempts = clientCmd.Flag("reconnect.attempts", "Attempts for the auto policy, 0 retries forever.").Default("0").Int()
	reconnectInterval = clientCmd.Flag("reconnect.interval", "Pause before each auto attempt.").Default("5s").Duration()

	messageCmd = app.Command("message", "Exchange one standalone message.")

	sendCmd     = messageCmd.Command("send", "Send one message.")
	sendTo      = sendCmd.Flag("to", "Receiver address.").Default("localhost").String()
	sendPort    = sendCmd.Flag("port", "Receiver port.").Default("8912").Uint16()
	sendTimeout = sendCmd.Flag("timeout", "Connect timeout, 0 waits without bound.").Default("3s").Duration()
	sendContent = sendCmd.Arg("content", "Message text.").Required().String()

	recvCmd     = messageCmd.Command("recv", "Receive one message.")
	recvListen  = recvCmd.Flag("listen", "Address to listen on, empty for all.").Default("").String()
	recvPort    = recvCmd.Flag("port", "Port to listen on.").Default("8912").Uint16()
	recvTimeout = recvCmd.Flag("timeout", "Receive timeout, 0 waits without bound.").Default("0s").Duration()
)

func loadConfig() (*config.Config, error) {
	var c *config.Config
	if *configFile == "" {
		c = new(config.Config)
		c.SetDefaults()
		c.ApplyEnvOverrides()
	} else {
		var err error
		c, err = config.LoadConfig(*configFile)
		if err != nil {
			return nil, err
		}
	}

	if *listenAddress != "" {
		c.MetricsAddress = *listenAddress
	}
	if c.MetricsPath == "" {
		c.MetricsPath = *metricsPath
	}
	if *logDebug {
		c.LogDebug = true
	}

	return c, c.Validate()
}

// serveMetrics runs the telemetry endpoint until ctx is done, a no-op without an address.
func serveMetrics(ctx context.Context, g *errgroup.Group, c *config.Config, mt *metrics.Metrics) {
	if c.MetricsAddress == "" {
		return
	}

	srv := mt.NewServer(c.MetricsAddress, c.GetMetricsPath())

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func runServer(ctx context.Context, c *config.Config) error {
	if *serverAddress != "" {
		c.ServerAddress = *serverAddress
	}
	if *serverPort != 0 {
		c.ServerPort = *serverPort
	}
	if *serverMax != 0 {
		c.MaxPeers = *serverMax
	}

	mt := metrics.New()
	transport := tcp.NewTransport(c)

	s, err := link.NewServer(c, transport, mt)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, c, mt)

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("%s: stopping server", c.LogPrefix)
		err := s.Close()
		transport.Shutdown()
		return err
	})

	return g.Wait()
}

func reconnector() link.Reconnector {
	switch *clientReconnect {
	case "auto":
		return &link.AutoReconnector{
			Attempts: *reconnectAttempts,
			Interval: *reconnectInterval,
		}
	case "never":
		return link.NeverReconnect{}
	default:
		return &link.PromptReconnector{
			In:  os.Stdin,
			Out: os.Stdout,
		}
	}
}

func runClient(ctx context.Context, c *config.Config) error {
	if *clientServer != "" {
		c.ServerAddress = *clientServer
	}
	if *clientServerPort != 0 {
		c.ServerPort = *clientServerPort
	}
	if *clientSelfPort != 0 {
		c.SelfPort = *clientSelfPort
	}
	if c.ServerAddress == "" {
		c.ServerAddress = "localhost"
	}

	mt := metrics.New()
	transport := tcp.NewTransport(c)
	policy := reconnector()

	cl, err := link.NewClient(c, transport, policy, mt)
	if err != nil {
		return err
	}

	// the first connect goes through the same policy as a lost session
	for attempt := 1; ; attempt++ {
		err = cl.Connect(c.ServerAddress, c.GetServerPort())
		if err == nil {
			break
		}
		if !policy.Reconnect(ctx, attempt) {
			err = multierr.Append(err, cl.Close())
			transport.Shutdown()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, c, mt)

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-cl.Done():
			log.Printf("%s: client done", c.LogPrefix)
		}
		err := cl.Close()
		transport.Shutdown()
		return multierr.Append(err, errClientDone)
	})

	err = g.Wait()
	if errors.Is(err, errClientDone) {
		return nil
	}
	return err
}

// errClientDone ends the errgroup once the client finished on its own.
var errClientDone = errors.New("client done")

func runSend(ctx context.Context, c *config.Config) error {
	e := oneshot.NewEndpoint(c)
	msg := m.NewMessage(c.User, *sendContent)

	err := e.SendMessage(ctx, msg, *sendTo, *sendPort, *sendTimeout)
	if err != nil {
		return err
	}

	log.Printf("%s: sent %d characters to %s:%d", c.LogPrefix, len(msg.Content), *sendTo, *sendPort)
	return nil
}

func runRecv(ctx context.Context, c *config.Config) error {
	e := oneshot.NewEndpoint(c)

	msg, source, err := e.RecvMessage(ctx, *recvListen, *recvPort, *recvTimeout)
	if err != nil {
		return err
	}

	fmt.Printf("[%s] %s (%s): %s\n", msg.Time().Local().Format(time.RFC3339), msg.Sender, source, msg.Content)
	return nil
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	c, err := loadConfig()
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case serverCmd.FullCommand():
		err = runServer(ctx, c)
	case clientCmd.FullCommand():
		err = runClient(ctx, c)
	case sendCmd.FullCommand():
		err = runSend(ctx, c)
	case recvCmd.FullCommand():
		err = runRecv(ctx, c)
	}

	if err != nil {
		log.Printf("%s: %s failed, err=%s", c.LogPrefix, cmd, err.Error())
		stop()
		os.Exit(1)
	}
}
