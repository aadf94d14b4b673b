package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

func newDecodeCmd() *cobra.Command {
	var (
		framed   bool
		isBase64 bool
	)

	cmd := &cobra.Command{
		Use:   "decode <data>",
		Short: "Decode a binary node and print it",
		Long: `Decode a binary node given as hex (default) or base64 and print it in
XML form. With --framed the input is a decrypted frame payload whose first
byte carries the compression flag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(strings.Fields(args[0]), "")

			var data []byte
			var err error
			if isBase64 {
				data, err = base64.StdEncoding.DecodeString(input)
			} else {
				data, err = hex.DecodeString(strings.TrimPrefix(input, "0x"))
			}
			if err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}

			var node protocol.Node
			if framed {
				node, err = protocol.UnmarshalFrame(data)
			} else {
				node, err = protocol.Unmarshal(data)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), node.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&framed, "framed", false, "Input is a frame payload with a leading flag byte")
	cmd.Flags().BoolVar(&isBase64, "base64", false, "Input is base64 instead of hex")
	return cmd
}
