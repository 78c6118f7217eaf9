// Program homa is a command-line utility for exercising Homa transports:
// an echo server, a one-shot caller, and a small round-trip benchmark.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/himsangseung/homa"
	"github.com/himsangseung/homa/link"
	"github.com/himsangseung/homa/pool"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var rootFlags struct {
	Addr    string `flag:"addr,default=127.0.0.1:0,UDP address to bind the transport"`
	Regions int    `flag:"bpages,default=64,Number of bpages in the receive region"`
	Verbose bool   `flag:"v,Log every packet exchanged"`
}

var serveFlags struct {
	Port int `flag:"port,default=100,Server port to bind"`
}

var benchFlags struct {
	Count int `flag:"count,default=1000,Number of round trips"`
	Size  int `flag:"size,default=100,Request size in bytes"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for exercising Homa transports.",
		SetFlags: command.Flags(flax.MustBind, &rootFlags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run an echo server until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<host:udpport/homaport> <message>",
				Help:  "Send one request and print the response.",
				Run:   runCall,
			},
			{
				Name:     "bench",
				Usage:    "<host:udpport/homaport>",
				Help:     "Measure request/response round-trip latency.",
				SetFlags: command.Flags(flax.MustBind, &benchFlags),
				Run:      runBench,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// startTransport binds a UDP link and starts a transport on it.
func startTransport() (*homa.Transport, error) {
	addr, err := netip.ParseAddrPort(rootFlags.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address: %w", err)
	}
	lk, err := link.ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	t := homa.New(&homa.Config{TickInterval: time.Millisecond})
	if rootFlags.Verbose {
		log.SetLevel(logrus.DebugLevel)
		t.LogPackets(func(pi homa.PacketInfo) {
			log.WithFields(logrus.Fields{
				"addr": pi.Addr,
				"type": pi.Type.String(),
				"id":   pi.SenderID,
			}).Debug(pi.String())
		})
	}
	t.Start(lk)
	log.WithField("addr", t.LocalAddr()).Info("transport started")
	return t, nil
}

// openSocket binds a socket and registers its receive region.
func openSocket(t *homa.Transport, port uint16) (*homa.Socket, error) {
	sk, err := t.Open(port)
	if err != nil {
		return nil, err
	}
	if err := sk.SetRegion(make([]byte, rootFlags.Regions*pool.BpageSize)); err != nil {
		return nil, err
	}
	return sk, nil
}

// parseDest parses "host:udpport/homaport" into a transport address.
func parseDest(s string) (homa.Addr, error) {
	host, hport, ok := strings.Cut(s, "/")
	if !ok {
		return homa.Addr{}, errors.New("destination must have the form host:udpport/homaport")
	}
	ap, err := netip.ParseAddrPort(host)
	if err != nil {
		return homa.Addr{}, fmt.Errorf("invalid destination host: %w", err)
	}
	p, err := strconv.ParseUint(hport, 10, 16)
	if err != nil || p == 0 {
		return homa.Addr{}, fmt.Errorf("invalid Homa port %q", hport)
	}
	return homa.Addr{Host: ap, Port: uint16(p)}, nil
}

func runServe(env *command.Env) error {
	t, err := startTransport()
	if err != nil {
		return err
	}
	defer t.Stop()

	sk, err := openSocket(t, uint16(serveFlags.Port))
	if err != nil {
		return err
	}
	log.WithField("port", sk.Port()).Info("echo server listening")

	for {
		msg, err := sk.Receive(env.Context())
		if err != nil {
			return err
		}
		if msg.Err != nil || !msg.IsRequest {
			continue
		}
		data := msg.Bytes()
		msg.Release()
		log.WithFields(logrus.Fields{
			"from": msg.From.Host,
			"id":   msg.ID,
			"len":  msg.Length,
		}).Info("request")
		if err := msg.Respond(data); err != nil {
			log.WithError(err).Warn("respond failed")
		}
	}
}

func runCall(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required arguments missing")
	}
	dest, err := parseDest(env.Args[0])
	if err != nil {
		return err
	}
	t, err := startTransport()
	if err != nil {
		return err
	}
	defer t.Stop()

	sk, err := openSocket(t, 0)
	if err != nil {
		return err
	}
	rsp, err := roundTrip(env.Context(), sk, dest, []byte(env.Args[1]))
	if err != nil {
		return err
	}
	fmt.Println(string(rsp))
	return nil
}

func runBench(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("required destination missing")
	}
	dest, err := parseDest(env.Args[0])
	if err != nil {
		return err
	}
	t, err := startTransport()
	if err != nil {
		return err
	}
	defer t.Stop()

	sk, err := openSocket(t, 0)
	if err != nil {
		return err
	}
	payload := make([]byte, benchFlags.Size)

	var total, worst time.Duration
	best := time.Duration(1<<63 - 1)
	for i := 0; i < benchFlags.Count; i++ {
		start := time.Now()
		if _, err := roundTrip(env.Context(), sk, dest, payload); err != nil {
			return fmt.Errorf("round trip %d: %w", i+1, err)
		}
		d := time.Since(start)
		total += d
		best = min(best, d)
		worst = max(worst, d)
	}
	fmt.Printf("%d round trips of %d bytes: avg %v, min %v, max %v\n",
		benchFlags.Count, benchFlags.Size, total/time.Duration(benchFlags.Count), best, worst)
	return nil
}

// roundTrip issues one request and waits for its completion.
func roundTrip(ctx context.Context, sk *homa.Socket, dest homa.Addr, data []byte) ([]byte, error) {
	id, err := sk.SendRequest(dest, data, 0)
	if err != nil {
		return nil, err
	}
	for {
		msg, err := sk.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ID != id {
			msg.Release() // not ours; discard
			continue
		}
		if msg.Err != nil {
			return nil, msg.Err
		}
		out := msg.Bytes()
		msg.Release()
		return out, nil
	}
}
