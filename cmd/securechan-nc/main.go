// securechan-nc is a netcat-like program that pipes stdin/stdout over a
// securechan secure channel, either listening for one connection or dialing
// out to a peer.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/arcwire/securechan/channel"
	"github.com/arcwire/securechan/handshake"
	"github.com/arcwire/securechan/secure"
)

func usage() {
	progName := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, `%s
Usage:

%s -l port
%s host port
        -l      listen for an incoming connection instead of dialing out
`, progName, progName, progName)
}

func main() {
	var listen bool
	flag.BoolVar(&listen, "l", false, "listen for an incoming connection")
	flag.Usage = usage
	flag.Parse()

	if listen {
		if flag.NArg() != 1 {
			usage()
			os.Exit(1)
		}
		runListener(flag.Arg(0))
		return
	}

	if flag.NArg() != 2 {
		usage()
		os.Exit(1)
	}
	runDialer(flag.Arg(0) + ":" + flag.Arg(1))
}

func runListener(port string) {
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	fmt.Println("listening on :" + port)

	conn, err := ln.Accept()
	if err != nil {
		log.Fatalf("accept: %v", err)
	}
	ln.Close()

	runPeer(conn, true)
}

func runDialer(addr string) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	runPeer(conn, false)
}

func runPeer(conn net.Conn, isListener bool) {
	defer conn.Close()

	ch := channel.New(conn)
	ch.OnError(func(kind channel.ErrorKind, reason channel.Reason, context uint64, detail error) {
		log.Printf("channel error: %v", detail)
	})

	hs, err := handshake.New(ch)
	if err != nil {
		log.Fatalf("create handshaker: %v", err)
	}

	scCh := make(chan *secure.Channel, 1)
	errCh := make(chan error, 1)
	hs.OnCompleted(func(sc *secure.Channel) { scCh <- sc })
	hs.OnErrored(func(kind handshake.ErrorKind, detail error) { errCh <- detail })

	if err := hs.Initiate(); err != nil {
		log.Fatalf("initiate handshake: %v", err)
	}

	var sc *secure.Channel
	select {
	case sc = <-scCh:
		log.Printf("secure channel established")
	case err := <-errCh:
		log.Fatalf("handshake failed: %v", err)
	}
	defer sc.Dispose()

	done := make(chan struct{})
	sc.OnMessageReceived(func(context uint64, attrs map[string][]byte) {
		if data, ok := attrs["data"]; ok {
			os.Stdout.Write(data)
		}
	})
	sc.OnDisconnected(func() {
		close(done)
	})

	go pipeStdinToSecureChannel(sc)

	<-done
	log.Printf("peer disconnected")
}

func pipeStdinToSecureChannel(sc *secure.Channel) {
	buf := make([]byte, 8192)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, sendErr := sc.Send(map[string][]byte{"data": buf[:n]}); sendErr != nil {
				log.Printf("send failed: %v", sendErr)
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Printf("stdin read failed: %v", err)
			return
		}
	}
}
