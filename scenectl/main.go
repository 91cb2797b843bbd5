package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"scenewire.org/scenewire/protocol"
	"scenewire.org/scenewire/scenewire"
)

const SceneCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Scenewire control.

Usage:
    scenectl serve [--port=<port>] [--auth] [--demo]
    scenectl tail --url=<url> [--name=<name>] [--token=<token>]
    scenectl token --name=<name>

Options:
    -h --help          Show this screen.
    --version          Show version.
    --port=<port>      Listen port [default: 8765].
    --auth             Require session tokens; prompts for the secret.
    --demo             Animate a demo scene with a control panel.
    --url=<url>        Server websocket url, e.g. ws://localhost:8765/ws.
    --name=<name>      Client name presented to the server.
    --token=<token>    Session token.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SceneCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func readSecret() string {
	if secret := os.Getenv("SCENEWIRE_SECRET"); secret != "" {
		return secret
	}
	fmt.Print("Secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}
	return string(secretBytes)
}

func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, _ := opts.Int("--port")

	authSecret := ""
	if auth, _ := opts.Bool("--auth"); auth {
		authSecret = readSecret()
	}

	server := scenewire.NewServer(ctx, authSecret, scenewire.DefaultServerSettings())
	defer server.Close()

	server.AddSessionCallback(func(sessionId scenewire.Id, clientName string, connected bool) {
		if connected {
			Out.Printf("session %s (%s) connected\n", sessionId, clientName)
		} else {
			Out.Printf("session %s (%s) disconnected\n", sessionId, clientName)
		}
	})

	if demo, _ := opts.Bool("--demo"); demo {
		go runDemoScene(ctx, server)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		Out.Printf("listening on :%d\n", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Err.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

// a spinning box, a point ring, and a control panel that drives them
func runDemoScene(ctx context.Context, server *scenewire.Server) {
	world, err := server.CreateNode("/world", "", protocol.NodeKindTransform, protocol.Attributes{
		"visible": protocol.Bool(true),
	})
	if err != nil {
		Err.Fatal(err)
	}

	box, err := world.CreateChild("box", protocol.NodeKindMesh, protocol.Attributes{
		"color": protocol.Float32s([]float32{0.8, 0.2, 0.2}),
	})
	if err != nil {
		Err.Fatal(err)
	}

	ringPositions := make([]float32, 0, 3*64)
	for i := 0; i < 64; i += 1 {
		a := 2 * math.Pi * float64(i) / 64
		ringPositions = append(
			ringPositions,
			float32(math.Cos(a)), 0.0, float32(math.Sin(a)),
		)
	}
	_, err = world.CreateChild("ring", protocol.NodeKindPointCloud, protocol.Attributes{
		"positions":  protocol.Float32s(ringPositions),
		"point_size": protocol.Float(0.02),
	})
	if err != nil {
		Err.Fatal(err)
	}

	panel, err := server.RegisterControl(
		"/gui", "", scenewire.ControlKindFolder, protocol.String("Demo"), nil)
	if err != nil {
		Err.Fatal(err)
	}
	speed, err := panel.RegisterChildControl(
		"speed", scenewire.ControlKindSlider, protocol.Float(1.0), protocol.Attributes{
			"min": protocol.Float(0.0),
			"max": protocol.Float(4.0),
		})
	if err != nil {
		Err.Fatal(err)
	}
	spin, err := panel.RegisterChildControl(
		"spin", scenewire.ControlKindCheckbox, protocol.Bool(true), nil)
	if err != nil {
		Err.Fatal(err)
	}

	speed.OnValue(func(event *scenewire.ControlValueEvent) {
		Out.Printf("speed = %v (from %s)\n", event.Value.Float, event.SessionId)
	})
	spin.OnValue(func(event *scenewire.ControlValueEvent) {
		Out.Printf("spin = %v (from %s)\n", event.Value.Bool, event.SessionId)
	})

	angle := 0.0
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		spinValue, err := spin.Value()
		if err != nil {
			return
		}
		if !spinValue.Bool {
			continue
		}
		speedValue, _ := speed.Value()
		angle += 0.05 * speedValue.Float
		c := math.Cos(angle)
		s := math.Sin(angle)
		box.Update(protocol.Attributes{
			"matrix": protocol.Float64s([]float64{
				c, 0, s, 0,
				0, 1, 0, 0,
				-s, 0, c, 0,
				0, 0, 0, 1,
			}),
		})
	}
}

func tail(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	name, _ := opts.String("--name")
	token, _ := opts.String("--token")

	client := scenewire.NewClientWithDefaults(ctx, url, &scenewire.ClientAuth{
		Token:      token,
		ClientName: name,
	})
	defer client.Close()

	client.AddUpdateCallback(func(message protocol.Message) {
		switch v := message.(type) {
		case *protocol.CreateNode:
			Out.Printf("create %s kind=%s rev=%d attrs=%d\n", v.Identifier, v.Kind, v.Revision, len(v.Attributes))
		case *protocol.UpdateNode:
			Out.Printf("update %s rev=%d attrs=%d\n", v.Identifier, v.Revision, len(v.Attributes))
		case *protocol.RemoveNode:
			Out.Printf("remove %s rev=%d\n", v.Identifier, v.Revision)
		case *protocol.ControlValue:
			Out.Printf("value %s rev=%d origin=%s\n", v.Identifier, v.Revision, v.Origin)
		}
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func token(opts docopt.Opts) {
	name, _ := opts.String("--name")
	secret := readSecret()
	tokenStr, err := scenewire.NewSessionToken(secret, name, 24*time.Hour)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Println(tokenStr)
}
