package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/tensorbridge/internal/config"
	"github.com/danmuck/tensorbridge/internal/daemon"
	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/mq/zmqsock"
)

func main() {
	path := flag.String("config", "tensorbridge.toml", "daemon config path")
	flag.Usage = func() { usage(flag.CommandLine.Output(), flag.CommandLine) }
	flag.Parse()

	logs.ConfigureRuntime()
	cfg, err := config.LoadDaemonConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tensorbridge: %v\n", err)
		os.Exit(1)
	}
	svc, err := daemon.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tensorbridge: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tensorbridge: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "usage: tensorbridge [-config path]\n\n")
	fmt.Fprintf(w, "Mirrors shared-memory tensors over the mq (ZeroMQ) and topic backends.\n")
	fmt.Fprintf(w, "mq backend: %s\n\n", mqSupport(zmqsock.Enabled))
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func mqSupport(enabled bool) string {
	if enabled {
		return "built in"
	}
	return "not built in, rebuild with -tags=zmq (needs libzmq)"
}
