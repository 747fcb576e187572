// Command roundctl administers a running round engine over its HTTP API and
// applies database migrations.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/recoveryroom/round-engine/internal/crank"
	"github.com/recoveryroom/round-engine/internal/ledger"
	"github.com/recoveryroom/round-engine/internal/lottery"
	"github.com/recoveryroom/round-engine/internal/model"
	"github.com/recoveryroom/round-engine/internal/store"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	roundFlag := &cli.Uint64Flag{Name: "round", Aliases: []string{"r"}, Usage: "round id", Required: true}

	return &cli.App{
		Name:   "roundctl",
		Usage:  "administer the recovery room round engine",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", EnvVars: []string{"RR_SERVER"}, Usage: "round engine base URL"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"RR_ADMIN_TOKEN"}, Usage: "admin bearer token"},
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "initialize the protocol config",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "authority", Required: true, Usage: "base58 admin key"},
					&cli.DurationFlag{Name: "duration", Value: time.Hour, Usage: "round duration"},
					&cli.UintFlag{Name: "min-loss", Value: 50, Usage: "minimum loss percentage (recorded only)"},
					&cli.UintFlag{Name: "max-entries", Value: 10, Usage: "maximum entries per user"},
				},
				Action: func(c *cli.Context) error {
					if c.Uint("min-loss") > 100 || c.Uint("max-entries") > 255 {
						return fmt.Errorf("min-loss must be <= 100 and max-entries <= 255")
					}
					var resp lottery.ProtocolResponse
					err := clientFrom(c).do(c.Context, "POST", "/api/v1/protocol", lottery.InitializeRequest{
						Authority:         c.String("authority"),
						RoundDuration:     c.Duration("duration").String(),
						MinLossPercentage: uint8(c.Uint("min-loss")),
						MaxEntriesPerUser: uint8(c.Uint("max-entries")),
					}, &resp)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, resp)
				},
			},
			{
				Name:  "open",
				Usage: "open the next round",
				Action: func(c *cli.Context) error {
					var resp lottery.RoundResponse
					if err := clientFrom(c).do(c.Context, "POST", "/api/v1/rounds", nil, &resp); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "opened round %d, ends %s\n", resp.ID, resp.EndTime.Format(time.RFC3339))
					return nil
				},
			},
			{
				Name:  "close",
				Usage: "close an ended round and request randomness",
				Flags: []cli.Flag{roundFlag},
				Action: func(c *cli.Context) error {
					var resp lottery.RoundResponse
					path := fmt.Sprintf("/api/v1/rounds/%d/close", c.Uint64("round"))
					if err := clientFrom(c).do(c.Context, "POST", path, nil, &resp); err != nil {
						return err
					}
					if resp.Request == nil {
						return fmt.Errorf("round %d closed without a randomness request", resp.ID)
					}
					fmt.Fprintf(c.App.Writer, "round %d awaiting randomness, request %s\n", resp.ID, resp.Request.RequestID)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "show the current round, or --round",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "round", Aliases: []string{"r"}, Usage: "round id (default current)"},
				},
				Action: func(c *cli.Context) error {
					path := "/api/v1/rounds/current"
					if id := c.Uint64("round"); id > 0 {
						path = fmt.Sprintf("/api/v1/rounds/%d", id)
					}
					var resp lottery.RoundResponse
					if err := clientFrom(c).do(c.Context, "GET", path, nil, &resp); err != nil {
						return err
					}
					return printJSON(c.App.Writer, resp)
				},
			},
			{
				Name:  "register",
				Usage: "register a token in a round's pool",
				Flags: []cli.Flag{
					roundFlag,
					&cli.StringFlag{Name: "token", Required: true, Usage: "base58 token identifier"},
					&cli.StringFlag{Name: "ticker", Required: true},
					&cli.StringFlag{Name: "color"},
				},
				Action: func(c *cli.Context) error {
					var resp lottery.PoolResponse
					path := fmt.Sprintf("/api/v1/rounds/%d/tokens", c.Uint64("round"))
					err := clientFrom(c).do(c.Context, "POST", path, ledger.Registration{
						TokenID: c.String("token"),
						Ticker:  c.String("ticker"),
						Color:   c.String("color"),
					}, &resp)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "round %d pool has %d tokens\n", resp.RoundID, len(resp.Tokens))
					return nil
				},
			},
			{
				Name:  "deliver",
				Usage: "deliver randomness for a round by hand (manual oracle only)",
				Flags: []cli.Flag{
					roundFlag,
					&cli.StringFlag{Name: "request-id", Required: true},
					&cli.StringFlag{Name: "value", Required: true, Usage: "64 hex characters"},
				},
				Action: func(c *cli.Context) error {
					value, err := model.ParseRandomness(c.String("value"))
					if err != nil {
						return err
					}
					var resp lottery.ResolutionResponse
					path := fmt.Sprintf("/api/v1/rounds/%d/randomness", c.Uint64("round"))
					err = clientFrom(c).do(c.Context, "POST", path, lottery.DeliverRequest{
						RequestID: c.String("request-id"),
						Value:     value,
					}, &resp)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "round %d complete, winner %s\n", resp.Round.ID, resp.Round.Winner)
					return nil
				},
			},
			{
				Name:  "token",
				Usage: "issue a bearer token for the admin or oracle role",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "secret", Required: true, EnvVars: []string{"RR_ADMIN_JWT_SECRET"}},
					&cli.StringFlag{Name: "role", Value: lottery.RoleAdmin},
					&cli.StringFlag{Name: "subject", Value: "roundctl"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					role := c.String("role")
					if role != lottery.RoleAdmin && role != lottery.RoleOracle {
						return fmt.Errorf("role must be %q or %q", lottery.RoleAdmin, lottery.RoleOracle)
					}
					tok, err := lottery.NewAuthenticator(c.String("secret")).IssueToken(c.String("subject"), role, c.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, tok)
					return nil
				},
			},
			{
				Name:  "migrate",
				Usage: "apply round and River schema migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "database-url", Required: true, EnvVars: []string{"DATABASE_URL"}},
				},
				Action: func(c *cli.Context) error {
					pool, err := pgxpool.New(c.Context, c.String("database-url"))
					if err != nil {
						return fmt.Errorf("connect: %w", err)
					}
					defer pool.Close()

					if err := store.Migrate(c.Context, pool); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "round schema up to date")
					if err := crank.MigrateRiver(c.Context, pool); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "River schema up to date")
					return nil
				},
			},
		},
	}
}
