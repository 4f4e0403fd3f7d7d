// relay-client is an example telemetry producer. With -generate it emits
// a random sample on a fixed period; by default it offers an interactive
// prompt to submit telemetry and watch broadcast commands.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/avnet-iotconnect/iotc-relay-service/helpers"
	"github.com/avnet-iotconnect/iotc-relay-service/helpers/cli"
	"github.com/avnet-iotconnect/iotc-relay-service/log2"
	"github.com/avnet-iotconnect/iotc-relay-service/relay"
)

var colors = []string{"red", "blue", "green", "yellow", "orange", "purple", "black", "white"}

func main() {
	flagAddr := flag.String("addr", relay.DefaultSocketPath, "relay address: unix socket path or tcp://host:port")
	flagID := flag.String("id", "random_data_generator", "client identifier")
	flagGenerate := flag.Bool("generate", false, "send random telemetry on a fixed period")
	flagPeriod := flag.Duration("period", 5*time.Second, "telemetry period for -generate")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	logger := log2.NewStderr(log2.LInfo)
	logger.SetFlags(log2.LInteractiveFlags)
	if *flagDebug {
		logger.SetLevel(log2.LDebug)
	}

	client, err := relay.NewClient(relay.ClientOptions{
		Log:      logger,
		Addr:     *flagAddr,
		ClientID: *flagID,
		OnCommand: func(name, parameters string) {
			fmt.Printf("command received: %s %s\n", name, parameters)
		},
	})
	if err != nil {
		logger.Fatal(err)
	}
	client.Start()
	defer client.Stop()

	if *flagGenerate {
		generateLoop(client, *flagPeriod)
		return
	}
	cli.MainLoop("relay", newExecutor(client), complete)
}

func generateLoop(client *relay.Client, period time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	rnd := helpers.RandUnix()
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-sigCh:
			fmt.Println("exiting")
			return

		case <-tick.C:
			number := rnd.Intn(101)
			color := colors[rnd.Intn(len(colors))]
			fmt.Printf("number=%d color=%s\n", number, color)
			if !client.SendTelemetry(map[string]interface{}{
				"random_number": number,
				"random_color":  color,
			}) {
				fmt.Println("not connected, sample dropped")
			}
		}
	}
}

func newExecutor(client *relay.Client) func(string) {
	return func(line string) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return
		}
		switch fields[0] {
		case "send":
			if len(fields) < 2 {
				fmt.Println("usage: send key=value ...")
				return
			}
			data := make(map[string]interface{}, len(fields)-1)
			for _, kv := range fields[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					fmt.Printf("not key=value: %s\n", kv)
					return
				}
				data[k] = parseValue(v)
			}
			if client.SendTelemetry(data) {
				fmt.Println("sent")
			} else {
				fmt.Println("not connected, sample dropped")
			}

		case "status":
			fmt.Printf("state=%s\n", client.State())

		case "quit", "exit":
			client.Stop()
			os.Exit(0)

		default:
			fmt.Printf("unknown command: %s\n", fields[0])
		}
	}
}

// parseValue keeps telemetry numeric when it looks numeric.
func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func complete(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "send", Description: "send key=value ... telemetry"},
		{Text: "status", Description: "show connection state"},
		{Text: "quit", Description: "stop the client and exit"},
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}
