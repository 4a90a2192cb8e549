package main

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/rajarshimaitra/gun/contract"
	"github.com/rajarshimaitra/gun/oracle"
	"github.com/rajarshimaitra/gun/peer"
	"github.com/rajarshimaitra/gun/wallet"
)

// simulateCommand runs the whole protocol in one process with in-memory
// wallets and a throwaway oracle. Nothing touches a node; it is a smoke
// test for the protocol and a demo of the flow.
func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "play a complete in-memory coin flip (no node required)",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "stake", Value: 0.05, Usage: "each side's stake in BTC"},
			&cli.StringFlag{Name: "outcome", Value: "heads", Usage: "outcome the oracle attests"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			log, err := cfg.logger()
			if err != nil {
				return err
			}

			stake, err := btcutil.NewAmount(c.Float64("stake"))
			if err != nil {
				return err
			}
			attested := c.String("outcome")
			if attested != "heads" && attested != "tails" {
				return fmt.Errorf("outcome must be heads or tails, got %q", attested)
			}

			orc, err := oracle.NewSigningOracle()
			if err != nil {
				return err
			}
			eventID := "sim-" + uuid.NewString()
			ann, err := orc.Announce(eventID, []string{"heads", "tails"})
			if err != nil {
				return err
			}

			const fundingFee, settleFee = 1_000, 5_000
			wp := wallet.NewSimulated(&chaincfg.RegressionNetParams)
			wa := wallet.NewSimulated(&chaincfg.RegressionNetParams)
			if _, err := wp.Fund(stake + fundingFee/2); err != nil {
				return err
			}
			if _, err := wa.Fund(stake + fundingFee - fundingFee/2); err != nil {
				return err
			}

			total := 2 * stake
			terms := contract.Terms{
				ContractID:    uuid.NewString(),
				Network:       "regtest",
				StakeProposer: stake,
				StakeAcceptor: stake,
				Outcomes: []contract.Outcome{
					{ID: "heads", PayoutProposer: total},
					{ID: "tails", PayoutAcceptor: total},
				},
				Oracle:       *ann,
				RefundHeight: 244,
				FundingFee:   fundingFee,
				SettleFee:    settleFee,
			}

			ctx := context.Background()
			connP, connA := peer.Pipe()
			type result struct {
				c   *contract.Contract
				err error
			}
			acceptorDone := make(chan result, 1)
			go func() {
				ct, err := contract.RunAcceptor(ctx, log, connA, wa,
					wallet.NewReservations(), nil, nil)
				acceptorDone <- result{ct, err}
			}()
			cp, err := contract.RunProposer(ctx, log, connP, wp,
				wallet.NewReservations(), terms, nil)
			if err != nil {
				return fmt.Errorf("proposer: %w", err)
			}
			ra := <-acceptorDone
			if ra.err != nil {
				return fmt.Errorf("acceptor: %w", ra.err)
			}
			ca := ra.c

			fundingTxID, err := cp.BroadcastFunding()
			if err != nil {
				return err
			}
			if err := cp.MarkFunded(); err != nil {
				return err
			}
			if err := ca.MarkFunded(); err != nil {
				return err
			}

			att, err := orc.Attest(eventID, attested)
			if err != nil {
				return err
			}
			settle, err := cp.Resolve(att)
			if err != nil {
				return fmt.Errorf("proposer settle: %w", err)
			}
			if _, err := ca.Resolve(att); err != nil {
				return fmt.Errorf("acceptor settle: %w", err)
			}

			winner := "proposer"
			if attested == "tails" {
				winner = "acceptor"
			}
			return printJSON(map[string]any{
				"contract_id": cp.ID(),
				"event_id":    eventID,
				"funding":     fundingTxID.String(),
				"settlement":  settle.TxHash().String(),
				"outcome":     attested,
				"winner":      winner,
				"payout":      btcutil.Amount(settle.TxOut[0].Value).String(),
			})
		},
	}
}
