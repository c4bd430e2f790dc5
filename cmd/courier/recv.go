// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/agent"
	"github.com/courier-net/courier-go/node"
)

// recvCmd implements the "recv" verb: a long-running receiver or relay.
func recvCmd(args []string) {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	var (
		port     = fs.Int("port", 0, "local datagram port")
		confFile = fs.String("config", "", "configuration file")
	)
	_ = fs.Parse(args)

	config, err := node.LoadConfig(*confFile)
	if err != nil {
		log.WithError(err).Fatal("Loading configuration errored")
	}
	if *port != 0 {
		config.Node.Port = *port
	}
	setupLogging(config.Logging)

	n, err := node.NewNode(config)
	if err != nil {
		log.WithError(err).Fatal("Starting node errored")
	}
	n.Run()

	// the status surface shares the node's port number over TCP
	sa := agent.NewStatusAgent(fmt.Sprintf(":%d", config.Node.Port), n)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	log.Info("Shutting down")
	if err := sa.Close(); err != nil {
		log.WithError(err).Warn("Closing status agent errored")
	}
	if err := n.Close(); err != nil {
		log.WithError(err).Error("Closing node errored")
	}
}
