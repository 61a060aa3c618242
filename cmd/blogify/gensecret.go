// Copyright 2015 Tamás Demeter-Haludka
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

package main

import (
	"fmt"
	"io"

	"github.com/aridwiprayogo/blogify/lib/log"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/aridwiprayogo/blogify/util"
	"github.com/spf13/cobra"
)

func createGenSecretCmd(logger *log.Log) *cobra.Command {
	gscmd := &cobra.Command{
		Use:   "gensecret",
		Short: "generates a secret value for the config",
	}

	length := gscmd.Flags().Int("length", auth.MinSecretLength, "length of the secret value in bytes")

	gscmd.RunE = func(c *cobra.Command, args []string) error {
		return genSecret(c.OutOrStdout(), *length, logger)
	}

	return gscmd
}

func genSecret(w io.Writer, length int, logger *log.Log) error {
	if length < auth.MinSecretLength {
		logger.User().Printf("secrets shorter than %d bytes are rejected by the server\n", auth.MinSecretLength)
	}

	secret, err := util.RandomHex(length)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, secret)
	return err
}
