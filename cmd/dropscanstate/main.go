// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// dropscanstate resets the scan progress of a stopped walletscan daemon so
// its next start scans every subchain from genesis.  By default the UTXO
// index is dropped as well.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/walletscan/netparams"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/btcsuite/walletscan/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	scanDbName = "walletscan.db"
	dbTimeout  = 10 * time.Second
)

type options struct {
	AppDataDir string `short:"A" long:"appdata" description:"walletscan application data directory"`
	Network    string `short:"n" long:"network" description:"Network whose database is reset {mainnet, testnet3, simnet, regtest, signet}"`
	DbPath     string `long:"db" description:"Path to the scan database (overrides --appdata and --network)"`
	KeepIndex  bool   `long:"keepindex" description:"Only reset scan cursors; found outputs stay in the index and are re-associated by the rescan"`
	Force      bool   `short:"f" long:"force" description:"Reset without prompting"`
}

// dbPath returns the database the options select.
func (o *options) dbPath() (string, error) {
	if o.DbPath != "" {
		return o.DbPath, nil
	}
	params, err := netparams.ByName(o.Network)
	if err != nil {
		return "", err
	}
	return filepath.Join(o.AppDataDir, params.Name, scanDbName), nil
}

// confirm asks question on out until a yes or no answer is read from in.
// An empty answer or end of input means no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	lines := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "%s [y/N] ", question)
		if !lines.Scan() {
			fmt.Fprintln(out)
			return false, lines.Err()
		}

		switch strings.ToLower(strings.TrimSpace(lines.Text())) {
		case "y", "yes":
			return true, nil
		case "", "n", "no":
			return false, nil
		}
		fmt.Fprintln(out, "Enter yes or no.")
	}
}

// reset clears the scan cursors, and the UTXO index unless keepIndex is
// set, in one transaction.  It returns the number of subchains reset.
func reset(db walletdb.DB, keepIndex bool) (int, error) {
	var subchains int
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if !keepIndex {
			if err := utxoindex.Drop(tx); err != nil {
				return err
			}
		}

		n, err := wallet.ResetScanState(tx)
		if err != nil {
			return err
		}
		subchains = n
		return nil
	})
	return subchains, err
}

func main() {
	if err := run(); err != nil {
		var flagErr *flags.Error
		if !errors.As(err, &flagErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run() error {
	opts := options{
		AppDataDir: btcutil.AppDataDir("walletscan", false),
		Network:    netparams.MainNetParams.Name,
	}
	if _, err := flags.Parse(&opts); err != nil {
		return err
	}

	path, err := opts.dbPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("scan database %s: %w", path, err)
	}

	question := fmt.Sprintf("Drop all found outputs in %s and rescan "+
		"from genesis?", path)
	if opts.KeepIndex {
		question = fmt.Sprintf("Rescan %s from genesis?", path)
	}
	if !opts.Force {
		ok, err := confirm(os.Stdin, os.Stdout, question)
		if err != nil || !ok {
			return err
		}
	}

	db, err := walletdb.Open("bdb", path, true, dbTimeout, false)
	if err != nil {
		return fmt.Errorf("open scan database: %w", err)
	}
	defer db.Close()

	n, err := reset(db, opts.KeepIndex)
	if err != nil {
		return fmt.Errorf("reset scan state: %w", err)
	}
	fmt.Printf("Reset %d subchains\n", n)
	return nil
}
