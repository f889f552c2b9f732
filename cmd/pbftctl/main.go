// Command pbftctl is the validator operator's CLI, adapted from the
// teacher's cmd/cli cobra layout: a root command plus one subcommand
// per operation, replacing the teacher's analyze/broadcast commands
// with seal verification, config inspection, and genesis membership
// generation.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridianchain/pbft/internal/config"
	"github.com/meridianchain/pbft/internal/pbft"
	"github.com/meridianchain/pbft/pkg/codec"
)

var rootCmd = &cobra.Command{
	Use:   "pbftctl",
	Short: "Operator CLI for a PBFT validator node",
	Long:  "pbftctl inspects and administers a PBFT validator node: verifying seals offline, showing the resolved configuration, and generating genesis membership files.",
}

var verifySealCmd = &cobra.Command{
	Use:   "verify-seal [seal-file] [member-hex...]",
	Short: "Verify a seal's signatures against a given membership",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sealBytes, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Printf("failed to read seal file: %v\n", err)
			os.Exit(1)
		}

		var seal pbft.Seal
		if err := codec.Decode(sealBytes, &seal); err != nil {
			fmt.Printf("failed to decode seal: %v\n", err)
			os.Exit(1)
		}

		peers, err := parsePeerIDs(args[1:])
		if err != nil {
			fmt.Printf("failed to parse membership: %v\n", err)
			os.Exit(1)
		}
		membership := pbft.NewMembership(peers)

		if err := pbft.VerifySeal(&seal, membership); err != nil {
			fmt.Printf("seal INVALID: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("seal VALID: view=%d seq=%d block_id=%x signers=%d\n",
			seal.Info.View, seal.Info.Seq, seal.BlockID, len(seal.CommitVotes))
	},
}

var showConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the configuration resolved from the environment",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Printf("failed to marshal config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

var genesisCmd = &cobra.Command{
	Use:   "genesis [member-hex...]",
	Short: "Generate a genesis membership file from a list of 64-byte hex peer ids",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		peers, err := parsePeerIDs(args)
		if err != nil {
			fmt.Printf("failed to parse membership: %v\n", err)
			os.Exit(1)
		}
		membership := pbft.NewMembership(peers)
		doc := struct {
			Members []string `json:"members"`
			F       int      `json:"f"`
		}{F: membership.F()}
		for _, p := range peers {
			doc.Members = append(doc.Members, hex.EncodeToString(p[:]))
		}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			fmt.Printf("failed to marshal genesis: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

func parsePeerIDs(hexStrs []string) ([]pbft.PeerId, error) {
	peers := make([]pbft.PeerId, 0, len(hexStrs))
	for _, h := range hexStrs {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("decoding peer id %q: %w", h, err)
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("peer id %q is %d bytes, want 64", h, len(raw))
		}
		var id pbft.PeerId
		copy(id[:], raw)
		peers = append(peers, id)
	}
	return peers, nil
}

func init() {
	rootCmd.AddCommand(verifySealCmd, showConfigCmd, genesisCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
