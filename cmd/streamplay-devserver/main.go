// Command streamplay-devserver serves a directory of recording files
// over ranged HTTP GET, for exercising the playback core against a real
// HTTPFetcher without standing up production storage. The binary is a
// thin flag-parsing driver over internal/devserver, the way the
// teacher's own main.go stays a thin driver over internal/ packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/elliotnunn/streamplay/internal/devserver"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8088", "address to listen on")
	dir := flag.String("dir", ".", "directory of recording files to serve")
	flag.Parse()

	srv, err := devserver.New(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := srv.Listen(*addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.Info("streamplay-devserver listening", "addr", srv.Addr(), "dir", *dir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if err := srv.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
