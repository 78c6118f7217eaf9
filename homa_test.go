// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa_test

import (
	"bytes"
	"context"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/himsangseung/homa"
	"github.com/himsangseung/homa/homatest"
	"github.com/himsangseung/homa/pool"
)

const echoPort = 77

// startEcho runs an echo service on sk until the socket shuts down.
func startEcho(t *testing.T, sk *homa.Socket) {
	t.Helper()
	go func() {
		for {
			msg, err := sk.Receive(context.Background())
			if err != nil {
				return
			}
			if msg.Err != nil || !msg.IsRequest {
				msg.Release()
				continue
			}
			data := msg.Bytes()
			msg.Release()
			if err := msg.Respond(data); err != nil {
				return
			}
		}
	}()
}

func liveCfg() *homa.Config {
	return &homa.Config{TickInterval: time.Millisecond}
}

func newRegion(n int) []byte { return make([]byte, n*pool.BpageSize) }

func TestEndToEnd(t *testing.T) {
	defer leaktest.Check(t)()

	loc := homatest.NewLocal(liveCfg(), liveCfg())
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping transports: %v", err)
		}
	}()

	ssk, err := loc.B.Open(echoPort)
	if err != nil {
		t.Fatalf("Open server socket: %v", err)
	}
	if err := ssk.SetRegion(newRegion(16)); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}
	startEcho(t, ssk)

	csk, err := loc.A.Open(0)
	if err != nil {
		t.Fatalf("Open client socket: %v", err)
	}
	if err := csk.SetRegion(newRegion(16)); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dest := homa.Addr{Host: homatest.AddrB, Port: echoPort}

	tests := []int{1, 100, 1400, 5000, 200000}
	for _, size := range tests {
		t.Run(fmt.Sprintf("size-%d", size), func(t *testing.T) {
			want := make([]byte, size)
			for i := range want {
				want[i] = byte(i)
			}
			id, err := csk.SendRequest(dest, want, uint64(size))
			if err != nil {
				t.Fatalf("SendRequest: %v", err)
			}
			for {
				msg, err := csk.Receive(ctx)
				if err != nil {
					t.Fatalf("Receive: %v", err)
				}
				if msg.ID != id {
					msg.Release()
					continue
				}
				if msg.Err != nil {
					t.Fatalf("RPC %d failed: %v", id, msg.Err)
				}
				if msg.Cookie != uint64(size) {
					t.Errorf("cookie: got %d, want %d", msg.Cookie, size)
				}
				if !bytes.Equal(msg.Bytes(), want) {
					t.Errorf("response bytes differ from request (len %d vs %d)", msg.Length, size)
				}
				msg.Release()
				break
			}
		})
	}

	// Basic sanity of the metrics map.
	m := loc.A.Metrics()
	for _, name := range []string{"packets_sent", "packets_received", "messages_delivered"} {
		v, ok := m.Get(name).(*expvar.Int)
		if !ok || v.Value() == 0 {
			t.Errorf("metric %q: got %v, want a nonzero counter", name, m.Get(name))
		}
	}
}

func TestConcurrentClients(t *testing.T) {
	defer leaktest.Check(t)()

	loc := homatest.NewLocal(liveCfg(), liveCfg())
	defer loc.Stop()

	ssk, err := loc.B.Open(echoPort)
	if err != nil {
		t.Fatalf("Open server socket: %v", err)
	}
	if err := ssk.SetRegion(newRegion(32)); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}
	startEcho(t, ssk)

	csk, err := loc.A.Open(0)
	if err != nil {
		t.Fatalf("Open client socket: %v", err)
	}
	if err := csk.SetRegion(newRegion(32)); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}
	dest := homa.Addr{Host: homatest.AddrB, Port: echoPort}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const numRPCs = 16
	pending := make(map[uint64][]byte)
	var mu sync.Mutex
	for i := range numRPCs {
		data := []byte(fmt.Sprintf("request number %d with some padding %d", i, i*i))
		id, err := csk.SendRequest(dest, data, uint64(i))
		if err != nil {
			t.Fatalf("SendRequest %d: %v", i, err)
		}
		mu.Lock()
		pending[id] = data
		mu.Unlock()
	}
	for range numRPCs {
		msg, err := csk.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if msg.Err != nil {
			t.Fatalf("RPC %d failed: %v", msg.ID, msg.Err)
		}
		mu.Lock()
		want, ok := pending[msg.ID]
		delete(pending, msg.ID)
		mu.Unlock()
		if !ok {
			t.Fatalf("completion for unexpected RPC %d", msg.ID)
		}
		if !bytes.Equal(msg.Bytes(), want) {
			t.Errorf("RPC %d: response does not echo the request", msg.ID)
		}
		msg.Release()
	}
}

func TestSocketValidation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := homatest.NewLocal(liveCfg(), liveCfg())
	defer loc.Stop()

	sk, err := loc.A.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Receiving without a region is refused.
	if _, err := sk.Receive(context.Background()); err != homa.ErrNoRegion {
		t.Errorf("Receive without region: got %v, want ErrNoRegion", err)
	}
	// A region that is not a multiple of the bpage size is refused.
	if err := sk.SetRegion(make([]byte, pool.BpageSize+1)); err == nil {
		t.Error("SetRegion accepted a misaligned region")
	}
	if err := sk.SetRegion(newRegion(2)); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}
	if err := sk.SetRegion(newRegion(2)); err == nil {
		t.Error("SetRegion accepted a second region")
	}

	// Argument validation on sends.
	dest := homa.Addr{Host: homatest.AddrB, Port: echoPort}
	if _, err := sk.SendRequest(dest, nil, 0); err != homa.ErrBadArgument {
		t.Errorf("empty request: got %v, want ErrBadArgument", err)
	}
	if _, err := sk.SendRequest(homa.Addr{}, []byte("x"), 0); err != homa.ErrBadArgument {
		t.Errorf("invalid destination: got %v, want ErrBadArgument", err)
	}

	// Port binding rules.
	if _, err := loc.A.Open(0x9000); err != homa.ErrBadArgument {
		t.Errorf("binding an ephemeral-range port: got %v, want ErrBadArgument", err)
	}
	if _, err := loc.A.Open(100); err != nil {
		t.Errorf("binding a server port: %v", err)
	}
	if _, err := loc.A.Open(100); err != homa.ErrPortInUse {
		t.Errorf("rebinding a bound port: got %v, want ErrPortInUse", err)
	}
}

func TestStartTwicePanics(t *testing.T) {
	defer leaktest.Check(t)()

	loc := homatest.NewLocal(liveCfg(), liveCfg())
	defer loc.Stop()

	got := mtest.MustPanic(t, func() { loc.A.Start(nil) }).(string)
	if !strings.Contains(got, "already started") {
		t.Errorf("panic message: got %q", got)
	}
}

// Stopping the transport unblocks receivers with ErrShutdown.
func TestTransportStopUnblocks(t *testing.T) {
	defer leaktest.Check(t)()

	loc := homatest.NewLocal(liveCfg(), liveCfg())

	sk, err := loc.A.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sk.SetRegion(newRegion(2)); err != nil {
		t.Fatalf("SetRegion: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sk.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond) // let the receiver block

	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != homa.ErrShutdown {
			t.Errorf("blocked Receive: got %v, want ErrShutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Receive did not return after Stop")
	}
}
