// gun is a CLI bitcoin wallet for peer-to-peer betting: two parties lock
// their stakes in an on-chain escrow and pre-sign every payout, so an
// oracle attestation (or a timeout refund) settles the bet without any
// further cooperation.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rajarshimaitra/gun/chainwatcher"
	"github.com/rajarshimaitra/gun/contract"
	"github.com/rajarshimaitra/gun/contractdb"
	"github.com/rajarshimaitra/gun/oracle"
	"github.com/rajarshimaitra/gun/peer"
	"github.com/rajarshimaitra/gun/wallet"
)

// Rough virtual sizes used to resolve fee specs before the final
// transactions exist.
const (
	estFundingVsize = 300
	estSettleVsize  = 170
)

func main() {
	app := &cli.App{
		Name:  "gun",
		Usage: "bet with bitcoin over the P2P protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "datadir", Usage: "data directory"},
			&cli.StringFlag{Name: "network", Usage: "mainnet, testnet, signet, regtest or simnet"},
			&cli.StringFlag{Name: "loglevel", Usage: "trace, debug, info, warn or error"},
			&cli.StringFlag{Name: "node-rpc", Usage: "bitcoind RPC host:port"},
			&cli.StringFlag{Name: "node-user", Usage: "bitcoind RPC user"},
			&cli.StringFlag{Name: "node-pass", Usage: "bitcoind RPC password"},
			&cli.IntFlag{Name: "min-confs", Usage: "confirmations before a coin or escrow counts"},
			&cli.StringFlag{Name: "fee", Usage: "fee spec: abs:<sats|btc>, rate:<sat/vB> or in-blocks:<n>"},
		},
		Commands: []*cli.Command{
			proposeCommand(),
			acceptCommand(),
			statusCommand(),
			resolveCommand(),
			refundCommand(),
			watchCommand(),
			simulateCommand(),
			oracleCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gun:", err)
		os.Exit(1)
	}
}

// env bundles everything a node-backed command needs.
type env struct {
	cfg    *config
	log    *logrus.Entry
	params *chaincfg.Params
	client *rpcclient.Client
	w      *wallet.RPC
	db     *contractdb.SQLiteContractDB
	mgr    *contract.Manager
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log, err := cfg.logger()
	if err != nil {
		return nil, err
	}
	params, err := cfg.chainParams()
	if err != nil {
		return nil, err
	}
	client, err := cfg.nodeClient()
	if err != nil {
		return nil, fmt.Errorf("connect to node: %w", err)
	}
	db, err := contractdb.New(cfg.dbPath())
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	w := wallet.NewRPC(log, client, params, cfg.MinConfs)
	mgr := contract.NewManager(log, w, db)
	if err := mgr.Load(); err != nil {
		db.Close()
		client.Shutdown()
		return nil, err
	}
	return &env{cfg: cfg, log: log, params: params, client: client, w: w, db: db, mgr: mgr}, nil
}

func (e *env) close() {
	e.db.Close()
	e.client.Shutdown()
}

func readAnnouncement(path string) (*oracle.Announcement, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read announcement: %w", err)
	}
	ann := &oracle.Announcement{}
	if err := json.Unmarshal(raw, ann); err != nil {
		return nil, fmt.Errorf("decode announcement: %w", err)
	}
	return ann, nil
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

type contractStatus struct {
	ContractID     string `json:"contract_id"`
	Role           string `json:"role"`
	State          string `json:"state"`
	StakeProposer  string `json:"stake_proposer"`
	StakeAcceptor  string `json:"stake_acceptor"`
	EventID        string `json:"event_id"`
	RefundHeight   int64  `json:"refund_height"`
	SettledOutcome string `json:"settled_outcome,omitempty"`
}

func statusOf(c *contract.Contract) contractStatus {
	t := c.Terms()
	return contractStatus{
		ContractID:     c.ID(),
		Role:           c.Role().String(),
		State:          c.State().String(),
		StakeProposer:  t.StakeProposer.String(),
		StakeAcceptor:  t.StakeAcceptor.String(),
		EventID:        t.Oracle.EventID,
		RefundHeight:   t.RefundHeight,
		SettledOutcome: c.SettledOutcome(),
	}
}

// buildTerms assembles the winner-takes-all terms for a proposal.
func buildTerms(e *env, ann *oracle.Announcement, stake, theirStake btcutil.Amount,
	winning map[string]bool, refundBlocks int64, timeout time.Duration) (contract.Terms, error) {

	fs, err := wallet.ParseFeeSpec(e.cfg.Fee)
	if err != nil {
		return contract.Terms{}, err
	}
	fundingFee, err := fs.Fee(e.w, estFundingVsize)
	if err != nil {
		return contract.Terms{}, err
	}
	settleFee, err := fs.Fee(e.w, estSettleVsize)
	if err != nil {
		return contract.Terms{}, err
	}
	height, err := e.w.CurrentHeight()
	if err != nil {
		return contract.Terms{}, err
	}

	total := stake + theirStake
	outcomes := make([]contract.Outcome, 0, len(ann.Outcomes))
	for _, o := range ann.Outcomes {
		if winning[o] {
			outcomes = append(outcomes, contract.Outcome{ID: o, PayoutProposer: total})
		} else {
			outcomes = append(outcomes, contract.Outcome{ID: o, PayoutAcceptor: total})
		}
	}
	return contract.Terms{
		ContractID:     uuid.NewString(),
		Network:        e.cfg.Network,
		StakeProposer:  stake,
		StakeAcceptor:  theirStake,
		Outcomes:       outcomes,
		Oracle:         *ann,
		RefundHeight:   height + refundBlocks,
		FundingFee:     fundingFee,
		SettleFee:      settleFee,
		RoundTimeoutMS: timeout.Milliseconds(),
	}, nil
}

// waitFunded watches the chain until the escrow is confirmed, then marks
// the contract funded.
func waitFunded(ctx context.Context, e *env, c *contract.Contract) error {
	pkScript, err := c.EscrowPkScript()
	if err != nil {
		return err
	}
	watcher := chainwatcher.New(e.log, e.client)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watcher.Run(wctx)

	e.log.WithField("contract", c.ID()).Info("waiting for escrow confirmation")
	u, err := watcher.WaitForConfirmation(wctx, hex.EncodeToString(pkScript), uint32(e.cfg.MinConfs))
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"contract": c.ID(),
		"confs":    u.Confs,
	}).Info("escrow confirmed")
	return e.mgr.OnFundingConfirmed(c.ID())
}

func proposeCommand() *cli.Command {
	return &cli.Command{
		Name:  "propose",
		Usage: "propose a bet to a listening peer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "connect", Required: true, Usage: "peer host:port"},
			&cli.StringFlag{Name: "announcement", Required: true, Usage: "oracle announcement JSON file"},
			&cli.Float64Flag{Name: "stake", Required: true, Usage: "our stake in BTC"},
			&cli.Float64Flag{Name: "their-stake", Usage: "counterparty stake in BTC (defaults to ours)"},
			&cli.StringSliceFlag{Name: "win", Required: true, Usage: "outcome id we win on (repeatable)"},
			&cli.Int64Flag{Name: "refund-blocks", Value: 144, Usage: "blocks until the refund path opens"},
			&cli.DurationFlag{Name: "round-timeout", Value: 30 * time.Second, Usage: "per-message negotiation timeout"},
			&cli.BoolFlag{Name: "wait", Usage: "wait for escrow confirmation before exiting"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			ann, err := readAnnouncement(c.String("announcement"))
			if err != nil {
				return err
			}
			stake, err := btcutil.NewAmount(c.Float64("stake"))
			if err != nil {
				return err
			}
			theirStake := stake
			if c.IsSet("their-stake") {
				if theirStake, err = btcutil.NewAmount(c.Float64("their-stake")); err != nil {
					return err
				}
			}
			winning := make(map[string]bool)
			for _, o := range c.StringSlice("win") {
				winning[o] = true
			}
			terms, err := buildTerms(e, ann, stake, theirStake, winning,
				c.Int64("refund-blocks"), c.Duration("round-timeout"))
			if err != nil {
				return err
			}

			ctx := c.Context
			conn, err := peer.Dial(ctx, c.String("connect"))
			if err != nil {
				return err
			}
			defer conn.Close()

			ct, err := e.mgr.Propose(ctx, conn, terms)
			if err != nil {
				if ct != nil {
					e.log.WithError(err).Warn("negotiation failed after signature release; contract saved, run watch to recover")
				}
				return err
			}
			if c.Bool("wait") {
				if err := waitFunded(ctx, e, ct); err != nil {
					return err
				}
			}
			return printJSON(statusOf(ct))
		},
	}
}

func acceptCommand() *cli.Command {
	return &cli.Command{
		Name:  "accept",
		Usage: "listen for one incoming bet proposal and accept it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Required: true, Usage: "listen host:port"},
			&cli.Float64Flag{Name: "max-stake", Usage: "reject proposals staking us above this (BTC)"},
			&cli.BoolFlag{Name: "wait", Usage: "wait for escrow confirmation before exiting"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := c.Context
			e.log.WithField("addr", c.String("listen")).Info("waiting for a proposal")
			conn, err := peer.Accept(ctx, c.String("listen"))
			if err != nil {
				return err
			}
			defer conn.Close()

			var approve func(*contract.Terms) error
			if c.IsSet("max-stake") {
				maxStake, err := btcutil.NewAmount(c.Float64("max-stake"))
				if err != nil {
					return err
				}
				approve = func(t *contract.Terms) error {
					if t.StakeAcceptor > maxStake {
						return fmt.Errorf("stake %s above limit %s", t.StakeAcceptor, maxStake)
					}
					return nil
				}
			}
			ct, err := e.mgr.Accept(ctx, conn, approve)
			if err != nil {
				if ct != nil {
					e.log.WithError(err).Warn("negotiation failed after signature release; contract saved, run watch to recover")
				}
				return err
			}
			if c.Bool("wait") {
				if err := waitFunded(ctx, e, ct); err != nil {
					return err
				}
			}
			return printJSON(statusOf(ct))
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show all known contracts",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()
			out := make([]contractStatus, 0)
			for _, ct := range e.mgr.List() {
				out = append(out, statusOf(ct))
			}
			return printJSON(out)
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "settle a funded contract with an oracle attestation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "contract", Required: true},
			&cli.StringFlag{Name: "attestation", Required: true, Usage: "attestation JSON file"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			raw, err := os.ReadFile(c.String("attestation"))
			if err != nil {
				return err
			}
			att := &oracle.Attestation{}
			if err := json.Unmarshal(raw, att); err != nil {
				return fmt.Errorf("decode attestation: %w", err)
			}
			h, err := e.mgr.Resolve(c.String("contract"), att)
			if err != nil {
				return err
			}
			fmt.Println(h.String())
			return nil
		},
	}
}

func refundCommand() *cli.Command {
	return &cli.Command{
		Name:  "refund",
		Usage: "reclaim the stake of a funded contract past its refund height",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "contract", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			height, err := e.w.CurrentHeight()
			if err != nil {
				return err
			}
			h, err := e.mgr.RefundNow(c.String("contract"), height)
			if err != nil {
				return err
			}
			fmt.Println(h.String())
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "follow the chain: confirm escrows and fire due refunds",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			watcher := chainwatcher.New(e.log, e.client)
			go watcher.Run(ctx)

			tips, unsubTips := watcher.SubscribeTip()
			defer unsubTips()

			confirmed := make(chan string, 8)
			watching := 0
			for _, ct := range e.mgr.List() {
				if ct.State() != contract.StateSigned {
					continue
				}
				pkScript, err := ct.EscrowPkScript()
				if err != nil {
					continue
				}
				ch, unsub := watcher.Subscribe(hex.EncodeToString(pkScript))
				defer unsub()
				watching++
				go func(id string, ch <-chan chainwatcher.FundingUpdate) {
					for {
						select {
						case <-ctx.Done():
							return
						case u := <-ch:
							if u.OK && u.Confs >= uint32(e.cfg.MinConfs) {
								select {
								case confirmed <- id:
								default:
								}
								return
							}
						}
					}
				}(ct.ID(), ch)
			}
			e.log.WithField("escrows", watching).Info("watching")

			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-confirmed:
					if err := e.mgr.OnFundingConfirmed(id); err != nil {
						e.log.WithError(err).Warn("funding confirmation")
					}
				case tip := <-tips:
					e.mgr.OnHeight(tip)
				}
			}
		},
	}
}

func oracleCommand() *cli.Command {
	return &cli.Command{
		Name:  "oracle",
		Usage: "run a throwaway oracle for testing",
		Subcommands: []*cli.Command{
			{
				Name:  "demo",
				Usage: "announce an event and optionally attest an outcome in one run",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "event", Required: true},
					&cli.StringSliceFlag{Name: "outcome", Required: true, Usage: "outcome id (repeatable)"},
					&cli.StringFlag{Name: "attest", Usage: "outcome to attest"},
				},
				Action: func(c *cli.Context) error {
					orc, err := oracle.NewSigningOracle()
					if err != nil {
						return err
					}
					ann, err := orc.Announce(c.String("event"), c.StringSlice("outcome"))
					if err != nil {
						return err
					}
					out := map[string]any{"announcement": ann}
					if win := c.String("attest"); win != "" {
						att, err := orc.Attest(c.String("event"), win)
						if err != nil {
							return err
						}
						out["attestation"] = att
					}
					return printJSON(out)
				},
			},
		},
	}
}
