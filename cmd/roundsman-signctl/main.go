// Copyright 2024 The Roundsman Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command roundsman-signctl is an operator tool for preparing check
// artifacts before they are dropped into a controller's artifact
// directory: it signs a file with a private key, or verifies a file's
// detached .sig against a certificate.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kptlabs/roundsman/signature"
)

func main() {
	root := &cobra.Command{
		Use:           "roundsman-signctl",
		Short:         "Sign and verify roundsman check artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(signCmd(), verifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <file> <private-key>",
		Short: "Sign <file>, writing <file>.sig",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := signature.SignFile(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("wrote %s.sig\n", args[0])
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file> <certificate>",
		Short: "Verify <file> against its <file>.sig and a certificate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := signature.VerifyFile(args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("signature invalid")
				os.Exit(1)
			}
			fmt.Println("signature valid")
			return nil
		},
	}
}
