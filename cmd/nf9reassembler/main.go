package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	// various formatters
	_ "github.com/netsampler/nf9reassembler/format/binary"
	_ "github.com/netsampler/nf9reassembler/format/json"

	// various transports
	_ "github.com/netsampler/nf9reassembler/transport/file"
	_ "github.com/netsampler/nf9reassembler/transport/kafka"

	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/app"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/config"
)

var (
	version    = ""
	buildinfos = ""
	AppVersion = "nf9reassembler " + version + " " + buildinfos

	Version = flag.Bool("v", false, "Print version")
)

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if *Version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
