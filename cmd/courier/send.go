// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"time"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/node"
	"github.com/courier-net/courier-go/sender"
)

// sendCmd implements the "send" verb.
func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var (
		to       = fs.String("to", "", "destination host:port")
		fec      = fs.Bool("fec", false, "enable XOR forward error correction")
		compress = fs.Bool("compress", false, "xz-compress the payload before chunking")
		wait     = fs.Bool("wait", false, "block until DELIVERED or TTL")
		ttl      = fs.Int("ttl", 0, "bundle TTL in seconds")
		chunk    = fs.Int("chunk", 0, "chunk size in bytes")
		window   = fs.Uint("window", 0, "sliding window size")
		port     = fs.Int("port", 0, "local datagram port")
		custody  = fs.Bool("custody", false, "request custody transfer at the first hop")
		confFile = fs.String("config", "", "configuration file")
	)
	_ = fs.Parse(args)

	if *to == "" || fs.NArg() != 1 {
		printUsage()
	}
	path := fs.Arg(0)

	config, err := node.LoadConfig(*confFile)
	if err != nil {
		log.WithError(err).Fatal("Loading configuration errored")
	}
	if *port != 0 {
		config.Node.Port = *port
	}
	if *fec {
		config.FEC.Enabled = true
	}
	setupLogging(config.Logging)

	n, err := node.NewNode(config)
	if err != nil {
		log.WithError(err).Fatal("Starting node errored")
	}
	defer func() { _ = n.Close() }()
	n.Run()

	opts := node.SubmitOptions{
		SubmitOptions: sender.SubmitOptions{
			FEC:      *fec,
			Compress: *compress,
			TTL:      time.Duration(*ttl) * time.Second,
			Chunk:    *chunk,
			Window:   uint32(*window),
		},
		Custody: *custody,
	}

	bid, err := n.Submit(path, *to, opts)
	if err != nil {
		log.WithError(err).Fatal("Submitting bundle errored")
	}

	log.WithFields(log.Fields{
		"bundle": bid,
		"to":     *to,
	}).Info("Bundle submitted")

	if !*wait {
		return
	}

	status, _ := n.Status(bid)
	bar := progressbar.NewOptions64(int64(status.TotalChunks),
		progressbar.OptionSetDescription("chunks acked"),
		progressbar.OptionShowCount())

	timeout := time.Duration(config.Transfer.TTLSec) * time.Second
	if *ttl > 0 {
		timeout = time.Duration(*ttl) * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		status, ok := n.Status(bid)
		if !ok {
			break
		}

		_ = bar.Set64(int64(float64(status.TotalChunks) * status.Progress))

		if status.State == "DELIVERED" {
			_ = bar.Finish()
			log.WithFields(log.Fields{
				"bundle":        bid,
				"bytesSent":     status.BytesSent,
				"retransmitted": status.ChunksRetransmitted,
			}).Info("Bundle delivered")
			return
		}
		if status.State == "EXPIRED" || status.State == "FAILED" {
			break
		}

		time.Sleep(100 * time.Millisecond)
	}

	log.WithField("bundle", bid).Fatal("Bundle was not delivered in time")
}
