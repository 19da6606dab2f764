// Command ncpcat is a minimal client/server binary exercising the ncp
// library end to end: run one instance with -mode=server, then another
// with -mode=client against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"

	ncp "github.com/ncplib/go-ncp"
	"github.com/ncplib/go-ncp/packet"
	"github.com/ncplib/go-ncp/value"
)

func main() {
	mode := flag.String("mode", "client", "client or server")
	host := flag.String("host", "127.0.0.1", "host to connect to, or to bind on as a server")
	port := flag.Int("port", 9999, "TCP port")
	flag.Parse()

	var err error
	switch *mode {
	case "server":
		err = runServer(*host, *port)
	case "client":
		err = runClient(*host, *port)
	default:
		fmt.Fprintf(os.Stderr, "ncpcat: unknown -mode %q, want client or server\n", *mode)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// runServer answers DSPC/TIME requests with the node time and rejects
// everything else with ERRO/ERRC.
func runServer(host string, port int) error {
	handler := func(ctx context.Context, conn *ncp.Connection) error {
		fmt.Println(color.GreenString("client %s connected", conn.RemoteIdentity()))

		for ev := range conn.Fields(ctx) {
			if ev.Err != nil {
				return ev.Err
			}

			reply := packet.NewParams()
			if ev.PacketType == "DSPC" && ev.Field.Name == "TIME" {
				reply.Set("TIME", value.Int(time.Now().Unix()))
			} else {
				reply.Set("ERRO", value.String("Unknown command"))
				reply.Set("ERRC", value.Int(400))
			}
			if err := conn.SendReply(ev.PacketType, ev.Field.Name, ev.Field.ID, reply); err != nil {
				return err
			}
		}
		return nil
	}

	srv, err := ncp.Start(context.Background(), handler, host, port)
	if err != nil {
		return err
	}
	fmt.Println(color.CyanString("listening on %s", srv.Addr()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	if err := srv.Close(); err != nil {
		return err
	}
	return srv.WaitClosed()
}

func runClient(host string, port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ncp.Connect(ctx, host, port)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()
	fmt.Println(color.GreenString("connected to %s:%d", host, port))

	params := packet.NewParams()
	params.Set("TIME", value.Int(time.Now().Unix()))
	reply, err := client.Execute(ctx, "DSPC", "TIME", params)
	if err != nil {
		return fmt.Errorf("execute DSPC/TIME: %w", err)
	}
	fmt.Println(color.BlueString("reply params: %v", reply.Names()))
	return nil
}
