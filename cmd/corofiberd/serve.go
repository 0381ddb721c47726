package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/corofiber/corofiber"
	"github.com/corofiber/corofiber/internal/corolog"
	"github.com/corofiber/corofiber/tpool"
)

func newServeCommand() *cobra.Command {
	var addr string
	var poolSize int
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo echo server on a single corofiber Hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, poolSize, dev)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9119", "address to listen on")
	cmd.Flags().IntVar(&poolSize, "pool-size", 8, "FiberPool max size for per-connection greeting jobs")
	cmd.Flags().BoolVar(&dev, "dev", false, "use a development (console) logger instead of production JSON")
	return cmd
}

func runServe(addr string, poolSize int, dev bool) error {
	logger, err := corolog.New(dev)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := corofiber.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	backend, err := corofiber.NewDefaultBackend(cfg)
	if err != nil {
		return fmt.Errorf("building backend: %w", err)
	}

	hub := corofiber.NewHub("corofiberd", backend, corofiber.WithLogger(corolog.Named(logger, "hub")))

	listenFd, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer unix.Close(listenFd)

	rootCtx := context.Background()
	pool := corofiber.NewFiberPool(rootCtx, hub, 2, poolSize)
	bridge := tpool.New(rootCtx, hub, cfg.TpoolThreads, corolog.Named(logger, "tpool"))
	defer bridge.Shutdown()

	hub.Spawn(rootCtx, func(ctx context.Context) {
		acceptLoop(ctx, hub, pool, bridge, listenFd, logger)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		hub.Abort()
	}()

	logger.Info("listening", zap.String("addr", addr))
	return hub.Run()
}

// acceptLoop is the acceptor fiber: Trampoline suspends it on the
// listening socket's readability, exactly the same primitive every
// connection handler uses for its own I/O.
func acceptLoop(ctx context.Context, hub *corofiber.Hub, pool *corofiber.FiberPool, bridge *tpool.Bridge, listenFd int, logger *zap.Logger) {
	for {
		if _, err := corofiber.Trampoline(ctx, listenFd, true, false, nil, nil); err != nil {
			if corofiber.IsFiberExit(err) {
				return
			}
			logger.Warn("accept trampoline failed", zap.Error(err))
			return
		}

		connFd, _, err := unix.Accept(listenFd)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if err := unix.SetNonblock(connFd, true); err != nil {
			unix.Close(connFd)
			continue
		}

		hub.Spawn(ctx, func(ctx context.Context) {
			handleConn(ctx, pool, bridge, connFd, logger)
		})
	}
}

// handleConn greets the connection via the FiberPool (exercising
// component I) and echoes bytes back via Trampoline (component F) until
// the peer closes or a read or write fails. The tpool Bridge it is
// handed is not used.
func handleConn(ctx context.Context, pool *corofiber.FiberPool, bridge *tpool.Bridge, fd int, logger *zap.Logger) {
	defer unix.Close(fd)

	greetEvt, err := pool.Execute(ctx, func(ctx context.Context) (any, error) {
		return []byte("corofiberd echo service\n"), nil
	})
	if err != nil {
		logger.Warn("pool execute failed", zap.Error(err))
		return
	}
	greeting, err := greetEvt.Wait(ctx)
	if err != nil {
		logger.Warn("greeting job failed", zap.Error(err))
		return
	}
	if err := writeAll(ctx, fd, greeting.([]byte)); err != nil {
		return
	}

	buf := make([]byte, 4096)
	total := 0
	for {
		if _, err := corofiber.Trampoline(ctx, fd, true, false, nil, nil); err != nil {
			return
		}
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
		total += n
		if err := writeAll(ctx, fd, buf[:n]); err != nil {
			return
		}
	}
	_ = total
}

func writeAll(ctx context.Context, fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EAGAIN {
				if _, werr := corofiber.Trampoline(ctx, fd, false, true, nil, nil); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

func listenTCP(addr string) (int, error) {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return -1, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], parseIPv4(host))
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("address %q must be host:port", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func parseIPv4(host string) [4]byte {
	var out [4]byte
	if host == "" || host == "0.0.0.0" {
		return out
	}
	parts := strings.Split(host, ".")
	for i := 0; i < 4 && i < len(parts); i++ {
		n, _ := strconv.Atoi(parts[i])
		out[i] = byte(n)
	}
	return out
}
