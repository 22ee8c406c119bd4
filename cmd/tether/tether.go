// Program tether is a command-line harness for exchanging tagged messages
// between two tether connectors.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/pair"
	"github.com/creachadair/tether/socket"
)

var flags struct {
	Listen int    `flag:"listen,Local listen port (required)"`
	Peer   int    `flag:"peer,Peer listen port (required)"`
	Host   string `flag:"host,Peer host"`
	Pair   bool   `flag:"pair,Use the paired-channel (ZeroMQ) transport"`
	Tag    string `flag:"tag,Tag for sent messages"`
	Log    bool   `flag:"log,Log each frame exchanged with the peer"`
}

func init() {
	flags.Host = "127.0.0.1"
	flags.Tag = "msg"
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Exchange tagged messages with a tether peer.

Run one instance on each side with mirrored port assignments:

  tether chat -listen 20000 -peer 20001
  tether chat -listen 20001 -peer 20000

Either side may be started first; the two converge on one connection.`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "chat",
				Help: "Exchange stdin lines with the peer until EOF.",
				Run:  runChat,
			},
			{
				Name:  "send",
				Usage: "<text>...",
				Help:  "Send one message per argument, then exit.",
				Run:   runSend,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// newConnector constructs and starts a connector per the common flags.
func newConnector() (*tether.Connector, error) {
	var t tether.Transport = socket.Transport{}
	if flags.Pair {
		t = pair.New()
	}
	c := tether.New(t)
	if flags.Log {
		c.LogFrames(func(f tether.FrameInfo) { log.Print(f) })
	}
	c.OnLost(func(err error) {
		if err != nil {
			log.Printf("Connection lost: %v", err)
		} else {
			log.Print("Peer disconnected")
		}
	})
	if err := c.Connect(flags.Listen, flags.Peer, flags.Host); err != nil {
		return nil, err
	}
	return c, nil
}

func runChat(env *command.Env) error {
	c, err := newConnector()
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		for {
			m, err := c.Receive()
			if err != nil {
				log.Printf("Receive: %v", err)
				return
			}
			fmt.Printf("[%s] %s\n", m.Tag, m.Payload)
		}
	}()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if err := c.Send(flags.Tag, sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func runSend(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing message text")
	}
	c, err := newConnector()
	if err != nil {
		return err
	}
	defer c.Close()

	for _, arg := range env.Args {
		if err := c.Send(flags.Tag, []byte(arg)); err != nil {
			return err
		}
	}
	return nil
}
