package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/do/v2"
	"github.com/vreid/kuji/internal/pkg/beacon"
	"github.com/vreid/kuji/internal/pkg/common"
	"github.com/vreid/kuji/internal/pkg/ledger"
	"github.com/vreid/kuji/internal/pkg/orchestrator"
	"github.com/vreid/kuji/internal/pkg/status"
	"github.com/vreid/kuji/internal/pkg/store"

	"github.com/urfave/cli/v3"
)

var errLedgerURLRequired = errors.New("ledger-url is required")

type KujiService struct {
	EchoService *common.EchoService `do:""`

	OrchestratorService *orchestrator.OrchestratorService `do:""`
	StatusService       *status.StatusService             `do:""`
}

//nolint:funlen
func runServer(ctx context.Context, cmd *cli.Command) error {
	endpoints := splitEndpoints(cmd.String("beacon-endpoints"))
	if len(endpoints) == 0 {
		return beacon.ErrNoEndpoints
	}

	if cmd.String("ledger-url") == "" {
		return errLedgerURLRequired
	}

	i := do.New()

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "debug", cmd.Bool("debug"))

	do.ProvideNamedValue(i, "beacon-endpoints", endpoints)
	do.ProvideNamedValue(i, "beacon-offset", uint64(cmd.Int("beacon-offset")))
	do.ProvideNamedValue(i, "beacon-request-timeout", cmd.Duration("beacon-request-timeout"))
	do.ProvideNamedValue(i, "beacon-poll-interval", cmd.Duration("beacon-poll-interval"))
	do.ProvideNamedValue(i, "beacon-wait-timeout", cmd.Duration("beacon-wait-timeout"))

	do.ProvideNamedValue(i, "ledger-url", cmd.String("ledger-url"))
	do.ProvideNamedValue(i, "ledger-request-timeout", cmd.Duration("ledger-request-timeout"))

	do.ProvideNamedValue(i, "timer-duration", cmd.Duration("timer-duration"))
	do.ProvideNamedValue(i, "tick-interval", cmd.Duration("tick-interval"))

	eventChan := make(chan orchestrator.Event, 1000)
	var eventSource <-chan orchestrator.Event = eventChan
	var eventSink chan<- orchestrator.Event = eventChan

	do.ProvideNamedValue(i, "event-source", eventSource)
	do.ProvideNamedValue(i, "event-sink", eventSink)

	do.Provide(i, common.NewLoggerService)
	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewEchoService)

	do.Provide(i, beacon.NewBeaconService)
	do.Provide(i, ledger.NewGatewayService)
	do.Provide(i, store.NewStoreService)
	do.Provide(i, orchestrator.NewOrchestratorService)
	do.Provide(i, status.NewStatusService)

	do.Provide(i, do.InvokeStruct[KujiService])

	kujiService, err := do.Invoke[KujiService](i)
	if err != nil {
		return fmt.Errorf("failed to create kuji service: %w", err)
	}

	kujiService.StatusService.Start()
	kujiService.OrchestratorService.Start(ctx)

	//nolint:wrapcheck
	return kujiService.EchoService.Start()
}

func splitEndpoints(raw string) []string {
	var endpoints []string

	for _, endpoint := range strings.Split(raw, ",") {
		endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}

	return endpoints
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading environment variables")
	}

	//nolint:exhaustruct
	cmd := &cli.Command{
		Name: "kuji",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("KUJI_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./kuji/data",
						Sources: cli.EnvVars("KUJI_DATA_DIR"),
					},
					&cli.BoolFlag{
						Name:    "debug",
						Value:   false,
						Sources: cli.EnvVars("KUJI_DEBUG"),
					},
					&cli.StringFlag{
						Name:    "beacon-endpoints",
						Value:   "",
						Usage:   "ordered, comma-separated beacon RPC endpoints",
						Sources: cli.EnvVars("KUJI_BEACON_ENDPOINTS"),
					},
					&cli.IntFlag{
						Name:    "beacon-offset",
						Value:   5, //nolint:mnd
						Usage:   "blocks past the finality pointer to use as seed",
						Sources: cli.EnvVars("KUJI_BEACON_OFFSET"),
					},
					&cli.DurationFlag{
						Name:    "beacon-request-timeout",
						Value:   10 * time.Second,
						Sources: cli.EnvVars("KUJI_BEACON_REQUEST_TIMEOUT"),
					},
					&cli.DurationFlag{
						Name:    "beacon-poll-interval",
						Value:   500 * time.Millisecond,
						Sources: cli.EnvVars("KUJI_BEACON_POLL_INTERVAL"),
					},
					&cli.DurationFlag{
						Name:    "beacon-wait-timeout",
						Value:   5 * time.Minute,
						Sources: cli.EnvVars("KUJI_BEACON_WAIT_TIMEOUT"),
					},
					&cli.StringFlag{
						Name:    "ledger-url",
						Value:   "",
						Usage:   "base URL of the contract gateway",
						Sources: cli.EnvVars("KUJI_LEDGER_URL"),
					},
					&cli.DurationFlag{
						Name:    "ledger-request-timeout",
						Value:   30 * time.Second,
						Sources: cli.EnvVars("KUJI_LEDGER_REQUEST_TIMEOUT"),
					},
					&cli.DurationFlag{
						Name:    "timer-duration",
						Value:   60 * time.Second,
						Usage:   "how long betting stays open per round",
						Sources: cli.EnvVars("KUJI_TIMER_DURATION"),
					},
					&cli.DurationFlag{
						Name:    "tick-interval",
						Value:   time.Second,
						Sources: cli.EnvVars("KUJI_TICK_INTERVAL"),
					},
				},
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
