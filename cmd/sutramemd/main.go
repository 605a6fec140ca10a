// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command sutramemd starts the knowledge graph engine and serves its wire
// protocol over TCP. Its startup shape mirrors the storage engine's own
// main.go: print a banner, initialize storage, then serve forever — just
// over a real socket loop instead of a REPL, since this spec's external
// interface is a length-prefixed binary protocol rather than an
// interactive console.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nranjan2code/sutra-memory-sub007/internal/config"
	"github.com/nranjan2code/sutra-memory-sub007/internal/dispatcher"
	"github.com/nranjan2code/sutra-memory-sub007/internal/engine"
	"github.com/nranjan2code/sutra-memory-sub007/internal/shard"
	"github.com/nranjan2code/sutra-memory-sub007/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (defaults to built-in defaults)")
	listenAddr := flag.String("listen", "127.0.0.1:7417", "address to serve the wire protocol on")
	storagePath := flag.String("storage", "./sutramem-data", "root directory for per-shard storage, used when -config is not given")
	flag.Parse()

	fmt.Print(`sutramemd - knowledge graph storage engine
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	cfg := config.Default()
	cfg.StoragePath = *storagePath
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("sutramemd: load config: %v", err)
		}
		cfg = loaded
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		log.Fatalf("sutramemd: resolve config: %v", err)
	}

	coord, engines, err := openShards(resolved)
	if err != nil {
		log.Fatalf("sutramemd: open shards: %v", err)
	}

	if *configPath != "" {
		watcher, err := config.WatchFile(*configPath, cfg, func(msg string) { log.Println("sutramemd:", msg) })
		if err != nil {
			log.Printf("sutramemd: config hot-reload disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	telemetry.RegisterShutdownHooks(func() {}, func() error {
		var firstErr error
		for _, e := range engines {
			if err := e.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	d := dispatcher.New(coord, resolved)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("sutramemd: listen on %s: %v", *listenAddr, err)
	}
	log.Printf("sutramemd: serving %d shard(s) on %s", coord.NumShards(), *listenAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	serve(ln, d)

	for _, e := range engines {
		if err := e.Close(); err != nil {
			log.Printf("sutramemd: close engine: %v", err)
		}
	}
}

func openShards(cfg config.Resolved) (*shard.Coordinator, []*engine.Engine, error) {
	engines := make([]*engine.Engine, cfg.NumShards)
	for i := 0; i < cfg.NumShards; i++ {
		shardCfg := cfg
		shardCfg.StoragePath = fmt.Sprintf("%s/shard-%d", cfg.StoragePath, i)
		if err := os.MkdirAll(shardCfg.StoragePath, 0o755); err != nil {
			return nil, nil, err
		}
		e, err := engine.Open(shardCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		engines[i] = e
	}
	return shard.New(engines), engines, nil
}

// serve accepts connections until ln is closed, handling each on its own
// goroutine. A per-connection failure never brings down the listener.
func serve(ln net.Listener, d *dispatcher.Dispatcher) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleConn(conn, d)
	}
}

func handleConn(conn net.Conn, d *dispatcher.Dispatcher) {
	defer conn.Close()
	ctx := context.Background()
	for {
		payload, err := d.ReadFrame(conn)
		if err != nil {
			return
		}
		resp := d.Handle(ctx, payload)
		if err := dispatcher.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}
