// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package socket_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/socket"
	"github.com/fortytw2/leaktest"
)

func freePort(t *testing.T) int {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Reserve port: %v", err)
	}
	defer lst.Close()
	return lst.Addr().(*net.TCPAddr).Port
}

// acceptOne runs lst.Accept in the background and returns a channel that
// delivers its result.
func acceptOne(lst tether.Listener) <-chan tether.Link {
	ch := make(chan tether.Link, 1)
	go func() {
		link, err := lst.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- link
	}()
	return ch
}

func TestRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	port := freePort(t)
	lst, err := socket.Transport{}.Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()
	acc := acceptOne(lst)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := socket.Transport{}.Dial(ctx, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer out.Close()

	in, ok := <-acc
	if !ok {
		t.Fatal("Accept failed")
	}
	defer in.Close()

	want := tether.Message{Tag: "probe", Payload: []byte("data")}
	if err := out.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := in.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Tag != want.Tag || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("Recv: got %v, want %v", got, want)
	}

	// The same pair carries traffic the other way too.
	if err := in.Send(tether.Message{Tag: "back"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, err := out.Recv(); err != nil || got.Tag != "back" {
		t.Errorf("Recv: got (%v, %v), want back", got, err)
	}
}

func TestRecvReassembly(t *testing.T) {
	defer leaktest.Check(t)()

	port := freePort(t)
	lst, err := socket.Transport{}.Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()
	acc := acceptOne(lst)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	in, ok := <-acc
	if !ok {
		t.Fatal("Accept failed")
	}
	defer in.Close()

	// Dribble the encoded frame one byte at a time to force incremental
	// reassembly at the receiver.
	enc := tether.Message{Tag: "drip", Payload: bytes.Repeat([]byte{0xab}, 300)}.Encode()
	go func() {
		for _, b := range enc {
			if _, err := conn.Write([]byte{b}); err != nil {
				return
			}
		}
	}()

	got, err := in.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Tag != "drip" || len(got.Payload) != 300 {
		t.Errorf("Recv: got %v, want a 300-byte drip", got)
	}
}

func TestRecvCoalesced(t *testing.T) {
	defer leaktest.Check(t)()

	port := freePort(t)
	lst, err := socket.Transport{}.Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()
	acc := acceptOne(lst)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	in, ok := <-acc
	if !ok {
		t.Fatal("Accept failed")
	}
	defer in.Close()

	// Two complete frames in one write decode as two messages.
	both := append(tether.Message{Tag: "first"}.Encode(),
		tether.Message{Tag: "second", Payload: []byte("p")}.Encode()...)
	if _, err := conn.Write(both); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, want := range []string{"first", "second"} {
		got, err := in.Recv()
		if err != nil || got.Tag != want {
			t.Fatalf("Recv: got (%v, %v), want %q", got, err, want)
		}
	}
}

func TestRecvFramingFatal(t *testing.T) {
	defer leaktest.Check(t)()

	port := freePort(t)
	lst, err := socket.Transport{}.Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()
	acc := acceptOne(lst)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	in, ok := <-acc
	if !ok {
		t.Fatal("Accept failed")
	}
	defer in.Close()

	// A length prefix exceeding the frame cap fails the link outright.
	if _, err := conn.Write(binary.LittleEndian.AppendUint32(nil, 0xffffffff)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := in.Recv(); !errors.Is(err, tether.ErrFrameTooLarge) {
		t.Errorf("Recv: got error %v, want %v", err, tether.ErrFrameTooLarge)
	}

	// The link is dead after a framing error.
	if _, err := in.Recv(); err == nil {
		t.Error("Recv after framing error: got nil error, want error")
	}
}

func TestDialRefused(t *testing.T) {
	defer leaktest.Check(t)()

	port := freePort(t) // reserved and released: nobody is listening
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := (socket.Transport{}).Dial(ctx, "127.0.0.1", port); err == nil {
		t.Error("Dial with no listener: got nil error, want error")
	}
}
