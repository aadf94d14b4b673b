package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/wamd/pkg/keystore"
)

func newKeysCmd(flags *globalFlags) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage device key material",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate device keys and store them in the device database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			db, ks, err := openDevice(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()

			if force {
				if err := db.DeleteDevice(); err != nil {
					return err
				}
				if ks, err = keystore.Generate(); err != nil {
					return err
				}
			}
			if ks.OneTimeKeyCount() == 0 {
				if _, err := ks.AddOneTimeKeys(cfg.PreKeyBatch); err != nil {
					return err
				}
			}
			if err := db.SaveKeyStore(ks.Snapshot()); err != nil {
				return err
			}

			fmt.Printf("Device keys ready in %s\n", cfg.DBPath)
			printKeyStore(ks)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Discard existing keys and generate new ones")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the public device key material",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			db, ks, err := openDevice(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			printKeyStore(ks)
			total, uploaded, err := db.PreKeyCounts()
			if err != nil {
				return err
			}
			fmt.Printf("  Pre-keys uploaded: %d/%d\n", uploaded, total)
			return nil
		},
	}

	var exportPath string
	exportCmd := &cobra.Command{
		Use:   "export-appstate",
		Short: "Write the stored app state as JSON (key data omitted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			db, _, err := openDevice(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			data, err := db.ExportAppState()
			if err != nil {
				return err
			}
			if exportPath == "" || exportPath == "-" {
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			}
			return os.WriteFile(exportPath, data, 0600)
		},
	}
	exportCmd.Flags().StringVarP(&exportPath, "output", "o", "-", "Output file")

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace the signed pre-key; it is published with the next pre-key upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			db, ks, err := openDevice(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := ks.RotateSignedPreKey()
			if err != nil {
				return err
			}
			if err := db.SaveKeyStore(ks.Snapshot()); err != nil {
				return err
			}
			fmt.Printf("Signed pre-key rotated to #%d\n", id)
			return nil
		},
	}

	keysCmd.AddCommand(initCmd, showCmd, exportCmd, rotateCmd)
	return keysCmd
}

func printKeyStore(ks *keystore.KeyStore) {
	identity := ks.IdentityPublic()
	noise := ks.NoiseKey()
	spk := ks.SignedPreKey()

	fmt.Println("Device:")
	if ks.IsPaired() {
		fmt.Printf("  JID: %s\n", ks.JID())
	} else {
		fmt.Println("  JID: (not paired)")
	}
	fmt.Printf("  Registration ID: %d\n", ks.RegistrationID())
	fmt.Printf("  Client ID: %s\n", ks.ClientID())
	fmt.Printf("  Identity key: %s\n", hex.EncodeToString(identity[:]))
	fmt.Printf("  Noise key: %s\n", hex.EncodeToString(noise.Public[:]))
	fmt.Printf("  Signed pre-key: #%d %s\n", spk.KeyID, hex.EncodeToString(spk.Public[:]))
	fmt.Printf("  One-time pre-keys: %d\n", ks.OneTimeKeyCount())
	fmt.Printf("  Session keys valid: %t\n", ks.IsValid())
	if clientToken, _ := ks.AuthTokens(); len(clientToken) > 0 {
		fmt.Println("  Auth tokens: stored")
	} else {
		fmt.Println("  Auth tokens: none")
	}
}
