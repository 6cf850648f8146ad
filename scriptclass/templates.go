// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scriptclass

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// Template is an output script shape built from a single public key.
type Template uint8

const (
	TemplateP2PK Template = iota
	TemplateP2PKH
	TemplateP2SHP2PK
	TemplateP2SHP2PKH

	// The uncompressed templates pay to the 65 byte serialization of
	// a key, as older wallets did.
	TemplateP2PKUncompressed
	TemplateP2PKHUncompressed
)

var templateStrs = [...]string{
	TemplateP2PK:      "p2pk",
	TemplateP2PKH:     "p2pkh",
	TemplateP2SHP2PK:  "p2sh-p2pk",
	TemplateP2SHP2PKH: "p2sh-p2pkh",

	TemplateP2PKUncompressed:  "p2pk-uncompressed",
	TemplateP2PKHUncompressed: "p2pkh-uncompressed",
}

// String returns the Template as a human-readable name.
func (t Template) String() string {
	if int(t) < len(templateStrs) {
		return templateStrs[t]
	}
	return "unknown"
}

// Watched is an output script a wallet looks for on chain.
type Watched struct {
	Template Template
	Script   []byte
}

// WatchedScripts returns every output script that pays to pubKey: the bare
// key, its hash, and both wrapped in pay-to-script-hash.
func WatchedScripts(pubKey *btcec.PublicKey) ([]Watched, error) {
	p2pk, err := PayToPubKey(pubKey.SerializeCompressed())
	if err != nil {
		return nil, err
	}
	p2pkh, err := PayToPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()))
	if err != nil {
		return nil, err
	}
	shP2PK, err := PayToScriptHash(btcutil.Hash160(p2pk))
	if err != nil {
		return nil, err
	}
	shP2PKH, err := PayToScriptHash(btcutil.Hash160(p2pkh))
	if err != nil {
		return nil, err
	}

	return []Watched{
		{Template: TemplateP2PK, Script: p2pk},
		{Template: TemplateP2PKH, Script: p2pkh},
		{Template: TemplateP2SHP2PK, Script: shP2PK},
		{Template: TemplateP2SHP2PKH, Script: shP2PKH},
	}, nil
}

// WatchedScriptsUncompressed returns the scripts of WatchedScripts followed
// by the bare key and key hash scripts of the uncompressed serialization.
func WatchedScriptsUncompressed(pubKey *btcec.PublicKey) ([]Watched, error) {
	watched, err := WatchedScripts(pubKey)
	if err != nil {
		return nil, err
	}

	serialized := pubKey.SerializeUncompressed()
	p2pk, err := PayToPubKey(serialized)
	if err != nil {
		return nil, err
	}
	p2pkh, err := PayToPubKeyHash(btcutil.Hash160(serialized))
	if err != nil {
		return nil, err
	}

	return append(watched,
		Watched{Template: TemplateP2PKUncompressed, Script: p2pk},
		Watched{Template: TemplateP2PKHUncompressed, Script: p2pkh},
	), nil
}

// PayToPubKey returns <pubkey> OP_CHECKSIG.
func PayToPubKey(pubKey []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(pubKey).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// PayToPubKeyHash returns OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY
// OP_CHECKSIG.
func PayToPubKeyHash(pubKeyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubKeyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// PayToScriptHash returns OP_HASH160 <hash> OP_EQUAL.
func PayToScriptHash(scriptHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(scriptHash).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// MultisigScript returns OP_M <pubkeys...> OP_N OP_CHECKMULTISIG.
func MultisigScript(m int, pubKeys ...[]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder().AddInt64(int64(m))
	for _, k := range pubKeys {
		b.AddData(k)
	}
	return b.AddInt64(int64(len(pubKeys))).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}
