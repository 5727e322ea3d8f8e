// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cli

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/gentleomega/proofmem/internal/integrity"
	"github.com/spf13/cobra"
)

var verifyRepair bool

func init() {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-derive every proof hash and check ledger consistency",
		RunE:  runVerify,
	}
	cmd.Flags().BoolVar(&verifyRepair, "repair", false, "Fix on_chain flags that disagree with the ledger status")

	RootCmd.AddCommand(cmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, _, err := setup(cmd.Context(), os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Verifier.Verify(cmd.Context(), integrity.Options{Repair: verifyRepair})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Valid() {
		return errors.New("ledger integrity compromised")
	}
	return nil
}
