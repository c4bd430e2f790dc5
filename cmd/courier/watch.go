// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/courier-net/courier-go/node"
)

// watchCmd implements the "watch" verb: every file created in the
// directory is submitted as a bundle towards the configured endpoint.
func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var (
		to       = fs.String("to", "", "destination host:port")
		port     = fs.Int("port", 0, "local datagram port")
		confFile = fs.String("config", "", "configuration file")
	)
	_ = fs.Parse(args)

	if *to == "" || fs.NArg() != 1 {
		printUsage()
	}
	directory := fs.Arg(0)

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
	defer func() { _ = n.Close() }()
	n.Run()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Fatal("Creating watcher errored")
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(directory); err != nil {
		log.WithError(err).Fatal("Watching directory errored")
	}
	log.WithFields(log.Fields{
		"directory": directory,
		"to":        *to,
	}).Info("Watching outbox")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-signalChan:
			log.Info("Shutting down")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}

			info, statErr := os.Stat(event.Name)
			if statErr != nil || !info.Mode().IsRegular() {
				continue
			}

			bid, submitErr := n.Submit(event.Name, *to, node.SubmitOptions{})
			if submitErr != nil {
				log.WithError(submitErr).WithField("file", event.Name).Warn("Submitting file errored")
				continue
			}

			log.WithFields(log.Fields{
				"file":   filepath.Base(event.Name),
				"bundle": bid,
			}).Info("Submitted outbox file")

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(watchErr).Warn("Watcher errored")
		}
	}
}
