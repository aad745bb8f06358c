package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stickies-v/go-bitcoinkernel/kernel"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the active chain tip and genesis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.openManager(); err != nil {
				return err
			}
			defer a.close()

			chain := a.mgr.ActiveChain()
			tip, err := chain.Tip()
			if err != nil {
				return err
			}
			genesis, err := chain.Genesis()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain:   %s\n", a.cfg.Chain)
			fmt.Fprintf(cmd.OutOrStdout(), "height:  %d\n", tip.Height())
			fmt.Fprintf(cmd.OutOrStdout(), "tip:     %s\n", tip.BlockHash())
			fmt.Fprintf(cmd.OutOrStdout(), "genesis: %s\n", genesis.BlockHash())
			return nil
		},
	}
}

func newProcessBlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "process-block <hex-file>",
		Short: "Validate one hex-encoded block and connect it if valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied block file.
			if err != nil {
				return err
			}
			blockBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil {
				return fmt.Errorf("decode block hex: %w", err)
			}
			block, err := kernel.NewBlockFromBytes(blockBytes)
			if err != nil {
				return err
			}

			if err := a.openManager(); err != nil {
				return err
			}
			defer a.close()

			isNew, err := a.mgr.ProcessBlock(block)
			if err != nil {
				return err
			}
			if !isNew {
				fmt.Fprintf(cmd.OutOrStdout(), "duplicate: %s\n", block.Hash())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted: %s\n", block.Hash())
			return nil
		},
	}
}

func newImportBlocksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import-blocks [file...]",
		Short: "Import block files (one hex-encoded block per line)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openManager(); err != nil {
				return err
			}
			defer a.close()

			if err := a.mgr.ImportBlocks(args); err != nil {
				return err
			}
			tip, err := a.mgr.ActiveChain().Tip()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d file(s), tip now %s at height %d\n",
				len(args), tip.BlockHash(), tip.Height())
			return nil
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	var (
		start int
		end   int
		full  bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Walk a range of the active chain",
		Long: `Walk a range of the active chain and print one line per block.

Negative positions count back from the tip: -1 is the tip itself, so
"scan --start -10 --end -1" prints the last ten blocks.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.openManager(); err != nil {
				return err
			}
			defer a.close()

			seq, err := a.mgr.ActiveChain().EntryRange(start, end)
			if err != nil {
				return err
			}
			for entry, err := range seq {
				if err != nil {
					return err
				}
				if !full {
					fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", entry.Height(), entry.BlockHash())
					continue
				}
				block, err := a.mgr.ReadBlock(entry)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s txs=%d time=%s\n",
					entry.Height(), entry.BlockHash(),
					len(block.Transactions()), block.Header().Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "first chain position, negative counts from the tip")
	cmd.Flags().IntVar(&end, "end", -1, "last chain position, negative counts from the tip")
	cmd.Flags().BoolVar(&full, "full", false, "read each block and print details")
	return cmd
}

func newVerifyScriptCmd() *cobra.Command {
	var (
		scriptHex    string
		txHex        string
		inputIndex   uint32
		amount       int64
		flagNames    []string
		spentOutputs []string
	)
	cmd := &cobra.Command{
		Use:   "verify-script",
		Short: "Verify a transaction input against a script pubkey",
		Long: `Verify a transaction input against a script pubkey.

Spent outputs are given as amount:scripthex pairs, one per input of the
transaction, and are required when the taproot flag is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scriptBytes, err := hex.DecodeString(scriptHex)
			if err != nil {
				return fmt.Errorf("decode script hex: %w", err)
			}
			script, err := kernel.NewScriptPubkey(scriptBytes)
			if err != nil {
				return err
			}
			txBytes, err := hex.DecodeString(txHex)
			if err != nil {
				return fmt.Errorf("decode tx hex: %w", err)
			}
			tx, err := kernel.NewTransactionFromBytes(txBytes)
			if err != nil {
				return err
			}
			flags, err := parseScriptFlags(flagNames)
			if err != nil {
				return err
			}
			outputs, err := parseSpentOutputs(spentOutputs)
			if err != nil {
				return err
			}

			ok, err := script.Verify(amount, tx, outputs, inputIndex, flags)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "invalid")
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&scriptHex, "script-pubkey", "", "hex-encoded script pubkey (required)")
	cmd.Flags().StringVar(&txHex, "tx", "", "hex-encoded spending transaction (required)")
	cmd.Flags().Uint32Var(&inputIndex, "input", 0, "input index to verify")
	cmd.Flags().Int64Var(&amount, "amount", 0, "value of the spent output in satoshis")
	cmd.Flags().StringSliceVar(&flagNames, "flags", []string{"all"},
		"verification flags: all, p2sh, dersig, nulldummy, cltv, csv, witness, taproot")
	cmd.Flags().StringArrayVar(&spentOutputs, "spent-output", nil,
		"spent output as amount:scripthex (repeat per input)")
	_ = cmd.MarkFlagRequired("script-pubkey")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

func parseScriptFlags(names []string) (kernel.ScriptFlags, error) {
	var flags kernel.ScriptFlags
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "all":
			flags |= kernel.ScriptFlagsAll
		case "none":
		case "p2sh":
			flags |= kernel.ScriptFlagsP2SH
		case "dersig":
			flags |= kernel.ScriptFlagsDERSig
		case "nulldummy":
			flags |= kernel.ScriptFlagsNullDummy
		case "cltv":
			flags |= kernel.ScriptFlagsCheckLockTimeVerify
		case "csv":
			flags |= kernel.ScriptFlagsCheckSequenceVerify
		case "witness":
			flags |= kernel.ScriptFlagsWitness
		case "taproot":
			flags |= kernel.ScriptFlagsTaproot
		default:
			return 0, fmt.Errorf("unknown script flag %q", name)
		}
	}
	return flags, nil
}

func parseSpentOutputs(specs []string) ([]kernel.TransactionOutput, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	outputs := make([]kernel.TransactionOutput, 0, len(specs))
	for _, spec := range specs {
		amountStr, scriptHex, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("spent output %q: want amount:scripthex", spec)
		}
		value, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("spent output %q: bad amount: %w", spec, err)
		}
		scriptBytes, err := hex.DecodeString(scriptHex)
		if err != nil {
			return nil, fmt.Errorf("spent output %q: bad script hex: %w", spec, err)
		}
		script, err := kernel.NewScriptPubkey(scriptBytes)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, kernel.NewTransactionOutput(script, value))
	}
	return outputs, nil
}
